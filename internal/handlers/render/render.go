package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	// Report on 'TagName' json tag instead of struct name
	// Look at documentation of 'RegisterTagNameFunc' for more details
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		// skip if tag key says it should be ignored
		if name == "-" {
			return ""
		}
		return name
	})
}

type Struct any

// ErrorResponse is the failure envelope every endpoint answers with.
// The reconnect hints tell API consumers which flow fixes the failure.
type ErrorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`

	// Realm was never authorized: run the authorization flow
	RequiresAuth bool `json:"requiresAuth,omitempty"`

	// Credentials are dead: the authorization flow must be run again
	RequiresReconnect bool `json:"requiresReconnect,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	jsonWithStatus(w, data, http.StatusOK)
}

// Error renders the plain failure envelope
func Error(w http.ResponseWriter, error string, code int) {
	jsonWithStatus(w, ErrorResponse{Success: false, Error: error}, code)
}

// ErrorDetailed renders a failure envelope with reconnect hints or fields
func ErrorDetailed(w http.ResponseWriter, resp ErrorResponse, code int) {
	resp.Success = false
	jsonWithStatus(w, resp, code)
}

// BindAndValidate decodes JSON request body into type T and validates it using
// struct tags. Writes the failure envelope itself for decoding or validation
// failures, the caller only has to bail out on error.
func BindAndValidate[T Struct](w http.ResponseWriter, r *http.Request) (T, error) {
	var value T

	err := json.NewDecoder(r.Body).Decode(&value)
	if err != nil {
		renderDecodeError(w, err)
		return value, err
	}

	err = validate.Struct(value)
	if err != nil {
		// pretty sure cast will be ok cause expecting T is valid struct
		errs := err.(validator.ValidationErrors)
		renderValidationErrors(w, errs)
		return value, err
	}

	return value, nil
}

func renderDecodeError(w http.ResponseWriter, err error) {
	message := fmt.Sprintf("Failed to parse JSON: %s", err.Error())

	// Try to provide more specific error message based on error type
	if typeErr, ok := err.(*json.UnmarshalTypeError); ok {
		message = fmt.Sprintf("Invalid data type for field '%s'", typeErr.Field)
	}

	Error(w, message, http.StatusBadRequest)
}

func renderValidationErrors(w http.ResponseWriter, errs validator.ValidationErrors) {
	fields := make(map[string]string, len(errs))

	// Create user-friendly error messages based on validation tag
	for _, fieldError := range errs {
		var message string
		switch fieldError.Tag() {
		case "required":
			message = "This field is required"
		case "min":
			message = fmt.Sprintf("Value is too short (minimum %s)", fieldError.Param())
		default:
			message = "Invalid value"
		}

		fields[fieldError.Field()] = message
	}

	ErrorDetailed(w, ErrorResponse{Error: "Request validation failed", Fields: fields}, http.StatusBadRequest)
}

// jsonWithStatus sends data as json and enforces status code
func jsonWithStatus(w http.ResponseWriter, data any, code int) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)

	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}
