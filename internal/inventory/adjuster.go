package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/elastic/go-elasticsearch/v9"
	"gorm.io/gorm"

	"github.com/nkmelnikov/shop_backend/internal/es"
	"github.com/nkmelnikov/shop_backend/internal/logging"
	"github.com/nkmelnikov/shop_backend/internal/models"
)

// Line is one (product, quantity) pair to adjust.
type Line struct {
	ProductID uint
	Quantity  uint
}

// Result accumulates per-line outcomes. Adjustment is best-effort: a failed
// line never aborts the rest, and callers must not fail a payment because of
// it.
type Result struct {
	Success         bool     `json:"success"`
	Errors          []string `json:"errors"`
	UpdatedProducts []uint   `json:"updated_products"`
}

type Adjuster struct {
	DB    *gorm.DB
	ES    *elasticsearch.Client
	Index string
}

func New(db *gorm.DB, esClient *elasticsearch.Client) *Adjuster {
	return &Adjuster{DB: db, ES: esClient, Index: es.ProductIndex}
}

// Decrement reduces stock for every line, flooring at zero. The fast path is
// a single conditional UPDATE that only fires while stock is sufficient; when
// it matches no row the slow path re-reads and writes the clamped value.
func (a *Adjuster) Decrement(ctx context.Context, lines []Line) Result {
	res := Result{}
	for _, l := range lines {
		if err := a.decrementOne(ctx, l); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.UpdatedProducts = append(res.UpdatedProducts, l.ProductID)
		a.reindex(ctx, l.ProductID)
	}
	res.Success = len(res.Errors) == 0
	return res
}

// Restore adds quantities back on cancellation or refund.
func (a *Adjuster) Restore(ctx context.Context, lines []Line) Result {
	res := Result{}
	for _, l := range lines {
		tx := a.DB.WithContext(ctx).Model(&models.Product{}).
			Where("id = ?", l.ProductID).
			Updates(map[string]interface{}{
				"stock_quantity": gorm.Expr("stock_quantity + ?", l.Quantity),
				"in_stock":       gorm.Expr("stock_quantity + ? > 0", l.Quantity),
			})
		if tx.Error != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("product %d: %v", l.ProductID, tx.Error))
			continue
		}
		if tx.RowsAffected == 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("product %d: not found", l.ProductID))
			continue
		}
		res.UpdatedProducts = append(res.UpdatedProducts, l.ProductID)
		a.reindex(ctx, l.ProductID)
	}
	res.Success = len(res.Errors) == 0
	return res
}

func (a *Adjuster) decrementOne(ctx context.Context, l Line) error {
	tx := a.DB.WithContext(ctx).Model(&models.Product{}).
		Where("id = ? AND stock_quantity >= ?", l.ProductID, l.Quantity).
		Updates(map[string]interface{}{
			"stock_quantity": gorm.Expr("stock_quantity - ?", l.Quantity),
			"in_stock":       gorm.Expr("stock_quantity - ? > 0", l.Quantity),
		})
	if tx.Error != nil {
		return fmt.Errorf("product %d: %w", l.ProductID, tx.Error)
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	// Insufficient stock or missing product: re-read and clamp at zero.
	var p models.Product
	if err := a.DB.WithContext(ctx).First(&p, l.ProductID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("product %d: not found", l.ProductID)
		}
		return fmt.Errorf("product %d: %w", l.ProductID, err)
	}

	newStock := p.StockQuantity - int(l.Quantity)
	if newStock < 0 {
		newStock = 0
	}
	err := a.DB.WithContext(ctx).Model(&models.Product{}).
		Where("id = ?", l.ProductID).
		Updates(map[string]interface{}{
			"stock_quantity": newStock,
			"in_stock":       newStock > 0,
		}).Error
	if err != nil {
		return fmt.Errorf("product %d: %w", l.ProductID, err)
	}
	return nil
}

// reindex refreshes the product document in search. Index lag is tolerable,
// so failures are only logged.
func (a *Adjuster) reindex(ctx context.Context, productID uint) {
	if a.ES == nil {
		return
	}
	var p models.Product
	if err := a.DB.WithContext(ctx).First(&p, productID).Error; err != nil {
		logging.FromContext(ctx).Warn("reindex read failed", "product_id", productID, "error", err)
		return
	}
	if err := es.IndexProduct(ctx, a.ES, a.Index, &p); err != nil {
		logging.FromContext(ctx).Warn("reindex failed", "product_id", productID, "error", err)
	}
}
