package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"branchledger/backend/internal/cache"
	"branchledger/backend/internal/domain"
	"branchledger/backend/internal/fulfillment"
	"branchledger/backend/internal/lock"
	"branchledger/backend/internal/stock"
	"branchledger/backend/internal/store"
	"branchledger/backend/internal/units"
	"branchledger/backend/internal/xid"
)

// Sequencer supplies human-readable document codes.
type Sequencer interface {
	Next(ctx context.Context, prefix string, branchID string) (string, error)
}

type Options struct {
	Precision           units.Precision
	NegativeStockPolicy stock.NegativeStockPolicy
	Locker              lock.Locker
	StockCache          cache.StockCache
	StockCacheTTL       time.Duration
	Sequencer           Sequencer
	Logger              logrus.FieldLogger
}

type Service struct {
	repo          store.Repository
	registry      *units.Registry
	normalizer    units.Normalizer
	fulfillment   *fulfillment.Ledger
	stock         *stock.Ledger
	locker        lock.Locker
	stockCache    cache.StockCache
	stockCacheTTL time.Duration
	sequencer     Sequencer
	validate      *validator.Validate
	tracer        trace.Tracer
	log           logrus.FieldLogger
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Precision == (units.Precision{}) {
		opts.Precision = units.DefaultPrecision()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.StockCache == nil {
		opts.StockCache = cache.NoopStockCache{}
	}
	if opts.StockCacheTTL <= 0 {
		opts.StockCacheTTL = time.Minute
	}
	if opts.Sequencer == nil {
		opts.Sequencer = xid.NewSequencer()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	normalizer := units.NewNormalizer(units.NewResolver(repo), opts.Precision)
	return &Service{
		repo:          repo,
		registry:      units.NewRegistry(repo, opts.Precision.Quantity, opts.Logger),
		normalizer:    normalizer,
		fulfillment:   fulfillment.New(normalizer, opts.Logger),
		stock:         stock.New(opts.NegativeStockPolicy, opts.Logger),
		locker:        opts.Locker,
		stockCache:    opts.StockCache,
		stockCacheTTL: opts.StockCacheTTL,
		sequencer:     opts.Sequencer,
		validate:      validator.New(),
		tracer:        otel.Tracer("branchledger/service"),
		log:           opts.Logger.WithField("module", "service"),
	}
}

func (s *Service) RegisterBaseUnit(ctx context.Context, actor domain.Actor, name string) (domain.Unit, error) {
	if err := requireActor(actor); err != nil {
		return domain.Unit{}, err
	}
	unit, err := s.registry.RegisterBaseUnit(ctx, name)
	if err != nil {
		return domain.Unit{}, err
	}
	s.logAudit(ctx, actor, "unit_register", "unit", unit.ID, fmt.Sprintf("name=%s,base=true", unit.Name))
	return unit, nil
}

func (s *Service) RegisterConversion(ctx context.Context, actor domain.Actor, name string, baseUnitID string, factor decimal.Decimal) (domain.UnitConversion, error) {
	if err := requireActor(actor); err != nil {
		return domain.UnitConversion{}, err
	}
	conversion, err := s.registry.RegisterConversion(ctx, name, baseUnitID, factor)
	if err != nil {
		return domain.UnitConversion{}, err
	}
	s.logAudit(ctx, actor, "unit_conversion_register", "unit", conversion.UnitID,
		fmt.Sprintf("name=%s,base=%s,factor=%s", conversion.UnitName, conversion.BaseUnitID, conversion.Factor.String()))
	return conversion, nil
}

func (s *Service) DeleteConversion(ctx context.Context, actor domain.Actor, unitID string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if err := s.registry.DeleteConversion(ctx, unitID); err != nil {
		return err
	}
	s.logAudit(ctx, actor, "unit_conversion_delete", "unit", unitID, "")
	return nil
}

func (s *Service) ListUnits(ctx context.Context) ([]domain.Unit, error) {
	return s.repo.ListUnits(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, actor domain.Actor, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireActor(actor); err != nil {
		return domain.Product{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Type == "" {
		req.Type = domain.ProductTypeGoods
	}
	if err := s.validateStruct(req); err != nil {
		return domain.Product{}, err
	}
	if req.PurchaseRate.IsNegative() || req.SellingRate.IsNegative() || req.WholesaleRate.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: reference rates must not be negative", domain.ErrValidation)
	}

	product := domain.Product{
		ID:            xid.New("prd"),
		Name:          req.Name,
		Category:      req.Category,
		Type:          req.Type,
		DefaultUnitID: req.DefaultUnitID,
		PurchaseRate:  req.PurchaseRate,
		SellingRate:   req.SellingRate,
		WholesaleRate: req.WholesaleRate,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := units.NewResolver(tx).ResolveBaseUnit(ctx, product.DefaultUnitID); err != nil {
			return err
		}
		return tx.CreateProduct(ctx, product)
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, actor, "product_create", "product", product.ID, fmt.Sprintf("name=%s,type=%s", product.Name, product.Type))
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) startSpan(ctx context.Context, name string, actor domain.Actor) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(
		attribute.String("branch_id", actor.BranchID),
		attribute.String("actor_id", actor.ActorID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
	}
	span.End()
}

func (s *Service) validateStruct(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid fields %s", domain.ErrValidation, strings.Join(fields, ","))
		}
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, actor domain.Actor, action string, entityType string, entityID string, detail string) {
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		BranchID:   actor.BranchID,
		ActorID:    actor.ActorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		s.log.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}

// refreshStock writes committed rows through to the cache. An older
// snapshot never replaces a newer one.
func (s *Service) refreshStock(ctx context.Context, branchID string, productIDs []string) {
	for _, productID := range productIDs {
		fields := logrus.Fields{"product_id": productID, "branch_id": branchID}
		row, err := s.repo.GetStock(ctx, productID, branchID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err == nil {
			err = s.stockCache.Set(ctx, *row, s.stockCacheTTL)
		}
		if err == nil {
			continue
		}
		s.log.WithFields(fields).WithError(err).Warn("failed to refresh stock cache")
		if err := s.stockCache.Invalidate(ctx, productID, branchID); err != nil {
			s.log.WithFields(fields).WithError(err).Warn("failed to invalidate stock cache")
		}
	}
}

func requireActor(actor domain.Actor) error {
	if !actor.Valid() {
		return fmt.Errorf("%w: acting branch and user are required", domain.ErrValidation)
	}
	return nil
}

func nonNegative(name string, v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", domain.ErrValidation, name)
	}
	return nil
}
