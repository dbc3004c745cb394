package tipengine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tink-protocol/tipengine/split"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// RegisterMerchantRequest describes a new merchant
type RegisterMerchantRequest struct {
	// ID is optional; one is generated when empty
	ID            string
	Name          string
	Slug          string
	WalletAddress string
	// SplitConfig defaults to split.DefaultConfig when empty
	SplitConfig []split.Share
}

// RegisterMerchant validates and stores a merchant
func (e *Engine) RegisterMerchant(ctx context.Context, req RegisterMerchantRequest) (*Merchant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ValidationError(CodeInvalidMerchant, "merchant name is required")
	}
	slug := strings.ToLower(strings.TrimSpace(req.Slug))
	if !slugPattern.MatchString(slug) {
		return nil, ValidationError(CodeInvalidMerchant, fmt.Sprintf("invalid merchant slug %q", req.Slug))
	}
	if !common.IsHexAddress(req.WalletAddress) {
		return nil, ValidationError(CodeInvalidMerchant, fmt.Sprintf("invalid wallet address %q", req.WalletAddress))
	}

	shares := req.SplitConfig
	if len(shares) == 0 {
		shares = split.DefaultConfig()
	}
	if err := split.ValidateConfig(shares); err != nil {
		return nil, ValidationError(CodeInvalidSplit, err.Error())
	}

	existing, err := e.store.GetMerchantBySlug(ctx, slug)
	if err != nil {
		return nil, Internal(err)
	}
	if existing != nil {
		return nil, ValidationError(CodeInvalidMerchant, fmt.Sprintf("slug %q is already taken", slug))
	}

	id := req.ID
	if id == "" {
		id = "merchant_" + uuid.NewString()
	}
	now := e.now()
	merchant, err := e.store.CreateMerchant(ctx, &Merchant{
		ID:            id,
		Name:          name,
		Slug:          slug,
		WalletAddress: common.HexToAddress(req.WalletAddress).Hex(),
		SplitConfig:   shares,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		e.logger.Error("failed to create merchant", zap.String("slug", slug), zap.Error(err))
		return nil, Internal(err)
	}

	e.logger.Info("merchant registered",
		zap.String("merchant_id", merchant.ID), zap.String("slug", merchant.Slug))
	return merchant, nil
}

// GetMerchant resolves a merchant by id or slug
func (e *Engine) GetMerchant(ctx context.Context, idOrSlug string) (*Merchant, error) {
	return e.lookupMerchant(ctx, idOrSlug)
}

func (e *Engine) lookupMerchant(ctx context.Context, ref string) (*Merchant, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ValidationError(CodeInvalidMerchant, "merchant reference is required")
	}

	merchant, err := e.store.GetMerchant(ctx, ref)
	if err != nil {
		return nil, Internal(err)
	}
	if merchant == nil {
		merchant, err = e.store.GetMerchantBySlug(ctx, strings.ToLower(ref))
		if err != nil {
			return nil, Internal(err)
		}
	}
	if merchant == nil {
		return nil, NotFound(CodeMerchantNotFound, fmt.Sprintf("merchant %s not found", ref))
	}
	return merchant, nil
}

// SetSplitConfig replaces a merchant's tip split configuration after validating it
func (e *Engine) SetSplitConfig(ctx context.Context, merchantRef string, shares []split.Share) (*Merchant, error) {
	merchant, err := e.lookupMerchant(ctx, merchantRef)
	if err != nil {
		return nil, err
	}
	if err := split.ValidateConfig(shares); err != nil {
		return nil, ValidationError(CodeInvalidSplit, err.Error())
	}
	if err := e.store.SetSplitConfig(ctx, merchant.ID, shares); err != nil {
		e.logger.Error("failed to store split config", zap.String("merchant_id", merchant.ID), zap.Error(err))
		return nil, Internal(err)
	}

	merchant.SplitConfig = shares
	e.logger.Info("split config updated",
		zap.String("merchant_id", merchant.ID), zap.Int("shares", len(shares)))
	return merchant, nil
}

// SplitTip allocates an arbitrary tip over a merchant's configuration
func (e *Engine) SplitTip(ctx context.Context, merchantRef string, tip decimal.Decimal) ([]split.Allocation, error) {
	if tip.IsNegative() {
		return nil, ValidationError(CodeInvalidTip, "tip must not be negative")
	}
	merchant, err := e.lookupMerchant(ctx, merchantRef)
	if err != nil {
		return nil, err
	}
	shares, err := e.splitConfig(ctx, merchant.ID)
	if err != nil {
		return nil, err
	}
	return split.Split(tip, shares), nil
}

// SplitSession allocates a session's selected tip over its merchant's configuration.
// Allocations are informational; their sum may differ from the tip by rounding.
func (e *Engine) SplitSession(ctx context.Context, sessionID string) ([]split.Allocation, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasTip() {
		return nil, ValidationError(CodeTipNotSelected, "no tip selected")
	}
	shares, err := e.splitConfig(ctx, session.MerchantID)
	if err != nil {
		return nil, err
	}
	return split.Split(*session.TipAmount, shares), nil
}

func (e *Engine) splitConfig(ctx context.Context, merchantID string) ([]split.Share, error) {
	shares, err := e.store.GetSplitConfig(ctx, merchantID)
	if err != nil {
		return nil, Internal(err)
	}
	if len(shares) == 0 {
		return split.DefaultConfig(), nil
	}
	return shares, nil
}
