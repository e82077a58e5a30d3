package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/mkarpov/booksync/internal/logger"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction

	// Defaults target the provider sandbox. Production deployments override
	// every one of these through env or flags.
	defaultAuthURL     = "https://appcenter.intuit.com/connect/oauth2"
	defaultTokenURL    = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	defaultRevokeURL   = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"
	defaultAPIBaseURL  = "https://sandbox-quickbooks.api.intuit.com"
	defaultScope       = "com.intuit.quickbooks.accounting"
	defaultProviderEnv = "sandbox"
	defaultRedirectURI = "http://localhost:8000/oauth/callback"
	defaultFrontendURL = "http://localhost:3000"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the booksync service will be run
	ListenAddr string

	// Database to connect to. When empty the service keeps connections
	// in memory and forgets them on restart
	DatabaseDSN string

	// OAuth client credentials issued by the provider
	ClientID     string
	ClientSecret string

	// Callback URL registered with the provider, must match exactly
	RedirectURI string

	// Provider endpoints
	AuthURL    string
	TokenURL   string
	RevokeURL  string
	APIBaseURL string

	// Scope requested on authorization
	Scope string

	// Provider deployment connections are stamped with (sandbox, production)
	ProviderEnvironment string

	// Front-end the callback redirects the browser back to
	FrontendURL string

	// Environment
	Environment string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:            defaultLoggingLevel,
		ListenAddr:          defaultListenAddr,
		Environment:         defaultEnvironment,
		AuthURL:             defaultAuthURL,
		TokenURL:            defaultTokenURL,
		RevokeURL:           defaultRevokeURL,
		APIBaseURL:          defaultAPIBaseURL,
		Scope:               defaultScope,
		ProviderEnvironment: defaultProviderEnv,
		RedirectURI:         defaultRedirectURI,
		FrontendURL:         defaultFrontendURL,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		c.LoadEnv(func(key string) string {
			return envMap[key]
		})
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}

	envMap := map[string]func(string){
		"RUN_ADDRESS":          setString(&c.ListenAddr),
		"DATABASE_URI":         setString(&c.DatabaseDSN),
		"LOG_LEVEL":            setString(&c.LogLevel),
		"ENVIRONMENT":          setString(&c.Environment),
		"OAUTH_CLIENT_ID":      setString(&c.ClientID),
		"OAUTH_CLIENT_SECRET":  setString(&c.ClientSecret),
		"OAUTH_REDIRECT_URI":   setString(&c.RedirectURI),
		"OAUTH_AUTH_URL":       setString(&c.AuthURL),
		"OAUTH_TOKEN_URL":      setString(&c.TokenURL),
		"OAUTH_REVOKE_URL":     setString(&c.RevokeURL),
		"OAUTH_SCOPE":          setString(&c.Scope),
		"PROVIDER_API_URL":     setString(&c.APIBaseURL),
		"PROVIDER_ENVIRONMENT": setString(&c.ProviderEnvironment),
		"FRONTEND_URL":         setString(&c.FrontendURL),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("booksync", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string (empty keeps connections in memory)")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVar(&c.ClientID, "client-id", c.ClientID, "OAuth client id")
	fs.StringVar(&c.ClientSecret, "client-secret", c.ClientSecret, "OAuth client secret")
	fs.StringVar(&c.RedirectURI, "redirect-uri", c.RedirectURI, "OAuth callback URL registered with the provider")
	fs.StringVar(&c.FrontendURL, "frontend-url", c.FrontendURL, "Front-end URL the callback redirects back to")
	fs.StringVar(&c.ProviderEnvironment, "provider-environment", c.ProviderEnvironment, "Provider deployment (sandbox, production)")

	return fs.Parse(args)
}
