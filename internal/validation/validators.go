package validation

import "sync"

// BatchValidator is what the registry hands out: anything that can score a
// batch of rows and accept extra field aliases.
type BatchValidator interface {
	ValidateBatch(rows []map[string]any) []*Result
	MergeAliases(aliases map[string][]string)
}

// OrderValidator scores order rows: id, amount, date and quantity rules
// plus a batch-level duplicate-order-id check.
type OrderValidator struct {
	*Validator
}

// NewOrderValidator returns the built-in order rule set.
func NewOrderValidator() *OrderValidator {
	v := NewValidator()
	v.rules = []Rule{
		{Name: "order_id_required", Field: "order_id", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(requiredPredicate)},
		{Name: "order_id_not_empty", Field: "order_id", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(notEmptyPredicate)},
		{Name: "amount_required", Field: "amount", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(requiredPredicate)},
		{Name: "amount_positive", Field: "amount", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(numberNonNegativePredicate)},
		{Name: "amount_range", Field: "amount", Severity: SeverityWarning, Enabled: true, Params: Params{"min": 0, "max": 1000000}, Predicate: PredicateFunc(numberRangePredicate)},
		{Name: "date_required", Field: "order_date", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(requiredPredicate)},
		{Name: "date_format", Field: "order_date", Severity: SeverityError, Enabled: true, Params: Params{"formats": []string{"2006-01-02", "2006/01/02", "2006-01-02 15:04:05"}}, Predicate: PredicateFunc(dateFormatPredicate)},
		{Name: "quantity_positive", Field: "quantity", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(numberNonNegativePredicate)},
	}
	v.aliases = map[string][]string{
		"order_id":   {"order_no", "order_number", "订单号", "tid", "trade_id"},
		"amount":     {"total_amount", "pay_amount", "order_amount", "金额", "总价"},
		"order_date": {"date", "created_at", "下单日期", "交易时间"},
		"quantity":   {"num", "count", "数量", "件数"},
	}
	return &OrderValidator{Validator: v}
}

// ValidateBatch adds the duplicate-order-id check on top of the per-row
// rules. The first occurrence of a repeated id is not flagged.
func (o *OrderValidator) ValidateBatch(rows []map[string]any) []*Result {
	results := o.Validator.ValidateBatch(rows)
	o.flagDuplicates(rows, results, "order_id", "order_id_unique", "order ID")
	return results
}

// ProductValidator scores product rows: sku, price, stock and name rules
// plus a batch-level duplicate-sku check.
type ProductValidator struct {
	*Validator
}

// NewProductValidator returns the built-in product rule set.
func NewProductValidator() *ProductValidator {
	v := NewValidator()
	v.rules = []Rule{
		{Name: "sku_required", Field: "sku", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(requiredPredicate)},
		{Name: "sku_not_empty", Field: "sku", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(notEmptyPredicate)},
		{Name: "sku_max_length", Field: "sku", Severity: SeverityWarning, Enabled: true, Params: Params{"max_length": 64}, Predicate: PredicateFunc(stringMaxLengthPredicate)},
		{Name: "price_required", Field: "price", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(requiredPredicate)},
		{Name: "price_positive", Field: "price", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(numberNonNegativePredicate)},
		{Name: "price_range", Field: "price", Severity: SeverityWarning, Enabled: true, Params: Params{"min": 0, "max": 1000000}, Predicate: PredicateFunc(numberRangePredicate)},
		{Name: "stock_non_negative", Field: "stock", Severity: SeverityError, Enabled: true, Predicate: PredicateFunc(numberNonNegativePredicate)},
		{Name: "name_required", Field: "name", Severity: SeverityWarning, Enabled: true, Predicate: PredicateFunc(requiredPredicate)},
		{Name: "name_max_length", Field: "name", Severity: SeverityWarning, Enabled: true, Params: Params{"max_length": 255}, Predicate: PredicateFunc(stringMaxLengthPredicate)},
	}
	v.aliases = map[string][]string{
		"sku":   {"sku_code", "skucode", "goods_sn", "product_no", "商品编码"},
		"price": {"unit_price", "sale_price", "goods_price", "单价"},
		"stock": {"quantity", "inventory", "num", "库存"},
		"name":  {"product_name", "goods_name", "title", "商品名称"},
	}
	return &ProductValidator{Validator: v}
}

// ValidateBatch adds the duplicate-sku check on top of the per-row rules.
func (p *ProductValidator) ValidateBatch(rows []map[string]any) []*Result {
	results := p.Validator.ValidateBatch(rows)
	p.flagDuplicates(rows, results, "sku", "sku_unique", "SKU")
	return results
}

// RuleConfig describes one rule for a caller-assembled validator. Type
// names a built-in predicate: required, not_empty, string_max_length,
// number_positive, number_range or date_format.
type RuleConfig struct {
	Name     string `json:"name"`
	Field    string `json:"field"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Params   Params `json:"params,omitempty"`
}

// NewConfigurableValidator assembles a validator from rule descriptors.
// Unknown predicate types produce a rule with no predicate, which never
// fires.
func NewConfigurableValidator(configs []RuleConfig, aliases map[string][]string) *Validator {
	v := NewValidator()
	for _, cfg := range configs {
		name := cfg.Name
		if name == "" {
			name = "custom"
		}
		enabled := true
		if cfg.Enabled != nil {
			enabled = *cfg.Enabled
		}
		rule := Rule{
			Name:     name,
			Field:    cfg.Field,
			Severity: ParseSeverity(cfg.Severity),
			Enabled:  enabled,
			Params:   cfg.Params,
		}
		if p, ok := PredicateByName(cfg.Type); ok {
			rule.Predicate = p
		}
		v.AddRule(rule)
	}
	if aliases != nil {
		v.SetAliases(aliases)
	}
	return v
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() BatchValidator{
		"order":   func() BatchValidator { return NewOrderValidator() },
		"product": func() BatchValidator { return NewProductValidator() },
	}
)

// Register binds a validator factory to a data type, replacing any
// previous registration.
func Register(dataType string, factory func() BatchValidator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[dataType] = factory
}

// ValidatorFor returns a fresh validator for the data type. Unregistered
// types get the no-op base validator, which passes every row.
func ValidatorFor(dataType string) BatchValidator {
	registryMu.RLock()
	factory, ok := registry[dataType]
	registryMu.RUnlock()
	if !ok {
		return NewValidator()
	}
	return factory()
}

// Validate scores rows for a data type. A non-empty rule config overrides
// the registry; custom aliases merge into whichever validator runs.
func Validate(dataType string, rows []map[string]any, configs []RuleConfig, aliases map[string][]string) []*Result {
	var validator BatchValidator
	if len(configs) > 0 {
		validator = NewConfigurableValidator(configs, aliases)
	} else {
		validator = ValidatorFor(dataType)
	}
	if len(aliases) > 0 {
		validator.MergeAliases(aliases)
	}
	return validator.ValidateBatch(rows)
}

// ValidateAndSummarize scores rows and rolls the results into a summary,
// with the per-row results attached.
func ValidateAndSummarize(dataType string, rows []map[string]any, configs []RuleConfig, aliases map[string][]string) Summary {
	results := Validate(dataType, rows, configs, aliases)
	summary := Summarize(results)
	summary.Results = results
	return summary
}
