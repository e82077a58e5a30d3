package handlers

import (
	"net/http"

	"github.com/mkarpov/booksync/internal/handlers/middleware"
	"github.com/mkarpov/booksync/internal/logger"
)

// chain wraps handler with middlewares
// First middleware in the list became most outer handler
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	connections connectionService,
	purchases purchasesService,
	frontendURL string,
	metricsHandler http.Handler,
	l logger.Logger,
) http.Handler {
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	oauth := NewOAuth(connections, frontendURL, l)
	purchasesHandler := NewPurchases(purchases, l)

	root := http.NewServeMux()
	root.Handle("/oauth/", http.StripPrefix("/oauth", oauth.Handler()))
	root.Handle("GET /api/purchases", http.HandlerFunc(purchasesHandler.List))
	root.Handle("GET /metrics", metricsHandler)
	root.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler := chain(root,
		middleware.LoggerMiddleware(l),
	)

	return handler
}
