package broker

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/logging"
	"tradesim/internal/models"
)

// DefaultPrimaryAsset is the account currency when none is configured.
const DefaultPrimaryAsset = "USD"

// PaperAccount is a simulated account whose orders are matched by an Engine.
type PaperAccount struct {
	id           string
	ownerName    string
	primaryAsset string
	engine       *Engine

	balances   map[string]*models.AssetBalance
	assetOrder []string

	symbols     map[string]models.SymbolParams
	symbolOrder []string

	logger zerolog.Logger
}

var (
	_ Account               = (*PaperAccount)(nil)
	_ models.PositionTrader = (*PaperAccount)(nil)
)

func newPaperAccount(e *Engine, id string, cfg AccountConfig) *PaperAccount {
	primary := cfg.PrimaryAsset
	if primary == "" {
		primary = DefaultPrimaryAsset
	}
	a := &PaperAccount{
		id:           id,
		ownerName:    cfg.OwnerName,
		primaryAsset: primary,
		engine:       e,
		balances:     make(map[string]*models.AssetBalance),
		symbols:      make(map[string]models.SymbolParams),
		logger:       logging.WithAccount(e.logger, id),
	}

	assets := make([]string, 0, len(cfg.BalanceSheet))
	for asset := range cfg.BalanceSheet {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	a.balance(primary)
	for _, asset := range assets {
		a.deposit(asset, cfg.BalanceSheet[asset])
	}
	for _, params := range cfg.Symbols {
		if err := a.AddSymbol(params); err != nil {
			a.logger.Warn().Err(err).Str("symbol", params.Symbol).Msg("Skipping invalid symbol")
		}
	}
	return a
}

// ID returns the account identifier.
func (a *PaperAccount) ID() string { return a.id }

// OwnerName returns the account owner.
func (a *PaperAccount) OwnerName() string { return a.ownerName }

// PrimaryAsset returns the account currency.
func (a *PaperAccount) PrimaryAsset() string { return a.primaryAsset }

// Engine returns the engine matching the account's orders.
func (a *PaperAccount) Engine() *Engine { return a.engine }

func (a *PaperAccount) balance(asset string) *models.AssetBalance {
	b, ok := a.balances[asset]
	if !ok {
		b = &models.AssetBalance{Asset: asset}
		a.balances[asset] = b
		a.assetOrder = append(a.assetOrder, asset)
	}
	return b
}

func (a *PaperAccount) deposit(asset string, amount decimal.Decimal) {
	b := a.balance(asset)
	b.Free = b.Free.Add(amount)
}

// withdraw debits without a funds check; commissions may drive a balance negative.
func (a *PaperAccount) withdraw(asset string, amount decimal.Decimal) {
	b := a.balance(asset)
	b.Free = b.Free.Sub(amount)
}

// Deposit credits the free balance of asset.
func (a *PaperAccount) Deposit(ctx context.Context, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.NewValidationError("amount", amount.String(), "must not be negative", errors.ErrInvalidOrder)
	}
	a.deposit(asset, amount)
	return nil
}

// Withdraw debits the free balance of asset.
func (a *PaperAccount) Withdraw(ctx context.Context, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.NewValidationError("amount", amount.String(), "must not be negative", errors.ErrInvalidOrder)
	}
	if a.balance(asset).Free.LessThan(amount) {
		return errors.Wrapf(errors.ErrInsufficientFunds, "withdrawing %s %s", amount, asset)
	}
	a.withdraw(asset, amount)
	return nil
}

// GetAssetBalance returns the balance of asset, zero when never funded.
func (a *PaperAccount) GetAssetBalance(ctx context.Context, asset string) (models.AssetBalance, error) {
	if b, ok := a.balances[asset]; ok {
		return *b, nil
	}
	return models.AssetBalance{Asset: asset}, nil
}

// GetBalanceSheet returns every asset balance in first-funded order.
func (a *PaperAccount) GetBalanceSheet(ctx context.Context) ([]models.AssetBalance, error) {
	sheet := make([]models.AssetBalance, 0, len(a.assetOrder))
	for _, asset := range a.assetOrder {
		sheet = append(sheet, *a.balances[asset])
	}
	return sheet, nil
}

// GetBalance returns the free primary asset.
func (a *PaperAccount) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return a.balance(a.primaryAsset).Free, nil
}

// GetEquity values every asset in the primary asset at the current bid of
// asset+primary. Assets without a quote are left out.
func (a *PaperAccount) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	equity := a.balance(a.primaryAsset).Free
	for _, asset := range a.assetOrder {
		if asset == a.primaryAsset {
			continue
		}
		free := a.balances[asset].Free
		if free.IsZero() {
			continue
		}
		bid, err := a.engine.GetSymbolBid(asset + a.primaryAsset)
		if err != nil {
			a.logger.Warn().Err(err).Str("asset", asset).Msg("No quote to value asset")
			continue
		}
		equity = equity.Add(free.Mul(bid))
	}
	return equity, nil
}

// AddSymbol makes a symbol tradable on the account.
func (a *PaperAccount) AddSymbol(params models.SymbolParams) error {
	if params.Symbol == "" {
		return errors.NewValidationError("symbol", params.Symbol, "symbol is required", errors.ErrSymbolNotFound)
	}
	if params.BaseAsset == "" || params.QuoteAsset == "" {
		return errors.NewValidationError("symbol", params.Symbol, "base and quote assets are required", errors.ErrSymbolNotFound)
	}
	if _, ok := a.symbols[params.Symbol]; !ok {
		a.symbolOrder = append(a.symbolOrder, params.Symbol)
	}
	a.symbols[params.Symbol] = params
	return nil
}

// GetSymbol returns the parameters of a tradable symbol.
func (a *PaperAccount) GetSymbol(ctx context.Context, symbol string) (models.SymbolParams, error) {
	params, ok := a.symbols[symbol]
	if !ok {
		return models.SymbolParams{}, errors.Wrapf(errors.ErrSymbolNotFound, "symbol %s", symbol)
	}
	return params, nil
}

// GetSymbols returns the tradable symbols in registration order.
func (a *PaperAccount) GetSymbols(ctx context.Context) ([]string, error) {
	return append([]string(nil), a.symbolOrder...), nil
}

// GetSymbolBid returns the current bid of symbol.
func (a *PaperAccount) GetSymbolBid(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return a.engine.GetSymbolBid(symbol)
}

// GetSymbolAsk returns the current ask of symbol.
func (a *PaperAccount) GetSymbolAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return a.engine.GetSymbolAsk(symbol)
}

// GetDate returns the engine's virtual clock.
func (a *PaperAccount) GetDate() time.Time {
	return a.engine.LocalDate()
}

// PlaceOrder elapses the configured latency on the virtual clock and
// submits the directives to the engine.
func (a *PaperAccount) PlaceOrder(ctx context.Context, directives models.OrderDirectives) (*models.Order, error) {
	if latency := a.latency(); latency > 0 {
		if _, err := a.engine.ElapseTime(ctx, latency); err != nil {
			return nil, err
		}
	}
	return a.engine.PlaceOrder(ctx, a, directives)
}

func (a *PaperAccount) latency() (d time.Duration) {
	hook := a.engine.latency
	if hook == nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Err(errors.Recovered(r)).Msg("Latency customizer failed")
			d = 0
		}
	}()
	return hook(a)
}

// CancelOrder cancels one of the account's pending orders.
func (a *PaperAccount) CancelOrder(ctx context.Context, orderID string) error {
	order, ok := a.engine.GetOrder(orderID)
	if !ok || order.AccountID != a.id {
		return errors.Wrapf(errors.ErrOrderNotFound, "order %s", orderID)
	}
	return a.engine.CancelOrder(ctx, orderID)
}

// ModifyOrder changes the trigger price and/or volume of a pending order.
func (a *PaperAccount) ModifyOrder(ctx context.Context, orderID string, price, volume *decimal.Decimal) error {
	order, ok := a.engine.GetOrder(orderID)
	if !ok || order.AccountID != a.id {
		return errors.Wrapf(errors.ErrOrderNotFound, "order %s", orderID)
	}
	return a.engine.ModifyOrder(ctx, orderID, price, volume)
}

// GetOrders returns the account's orders on symbol, or all of them when symbol is empty.
func (a *PaperAccount) GetOrders(ctx context.Context, symbol string) ([]*models.Order, error) {
	var orders []*models.Order
	for _, o := range a.engine.GetOrdersByAccount(a.id) {
		if symbol == "" || o.Symbol == symbol {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// GetPendingOrders returns the account's pending orders.
func (a *PaperAccount) GetPendingOrders(ctx context.Context) ([]*models.Order, error) {
	return models.FilterPendingOrders(a.engine.GetOrdersByAccount(a.id)), nil
}

// GetOpenPositions returns the account's open positions.
func (a *PaperAccount) GetOpenPositions(ctx context.Context) ([]*models.Position, error) {
	return a.engine.GetOpenPositionsByAccount(a.id), nil
}

// GetTrades returns the account's trades on symbol, or all of them when symbol is empty.
func (a *PaperAccount) GetTrades(ctx context.Context, symbol string) ([]*models.Trade, error) {
	var trades []*models.Trade
	for _, t := range a.engine.GetTradesByAccount(a.id) {
		if symbol == "" || t.Symbol == symbol {
			trades = append(trades, t)
		}
	}
	return trades, nil
}
