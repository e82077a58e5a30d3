package handlers

import (
	"context"
	"net/http"

	"github.com/mkarpov/booksync/internal/handlers/render"
	"github.com/mkarpov/booksync/internal/logger"
	"github.com/mkarpov/booksync/internal/service/books"
)

type purchasesService interface {
	ListPurchases(ctx context.Context, realmID string) ([]books.Purchase, error)
}

type PurchasesHandler struct {
	purchases purchasesService
	logger    logger.Logger
}

func NewPurchases(purchases purchasesService, l logger.Logger) *PurchasesHandler {
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	return &PurchasesHandler{purchases: purchases, logger: l}
}

func (h *PurchasesHandler) List(w http.ResponseWriter, r *http.Request) {
	type ListResponse struct {
		Success   bool             `json:"success"`
		Purchases []books.Purchase `json:"purchases"`
		Count     int              `json:"count"`
	}

	realmID := r.URL.Query().Get("realmId")
	if realmID == "" {
		render.Error(w, "realmId query parameter is required", http.StatusBadRequest)
		return
	}

	purchases, err := h.purchases.ListPurchases(r.Context(), realmID)
	if err != nil {
		writeLifecycleError(w, h.logger, err, "Failed to fetch purchases from provider")
		return
	}

	if purchases == nil {
		purchases = []books.Purchase{}
	}
	render.JSON(w, ListResponse{Success: true, Purchases: purchases, Count: len(purchases)})
}
