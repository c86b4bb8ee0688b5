package mapping

import "strings"

// categoryEntry pairs a semantic category with its known field-name variants.
// Entries are held in a slice so category detection walks them in declared
// order and repeated runs agree on ambiguous names.
type categoryEntry struct {
	category string
	variants []string
}

// synonymTable feeds Synonyms: a source field whose normalized form contains
// a category key inherits that category's variants.
var synonymTable = []categoryEntry{
	{"order", []string{"订单", "order_no", "order_id", "ordernum"}},
	{"product", []string{"商品", "product_id", "goods", "item"}},
	{"amount", []string{"金额", "price", "total", "money", "sum"}},
	{"date", []string{"日期", "时间", "time", "dt", "day"}},
	{"quantity", []string{"数量", "num", "count", "qty"}},
	{"sku", []string{"sku_code", "skucode", "goods_sn"}},
	{"name", []string{"名称", "title", "goods_name"}},
	{"status", []string{"状态", "state"}},
}

// commonFieldTable feeds FieldCategory: the field names, bilingual variants
// included, that commerce exports typically use for each category.
var commonFieldTable = []categoryEntry{
	{"order", []string{"order_id", "order_no", "order_number", "订单号", "tid", "trade_id"}},
	{"product", []string{"product_id", "product_no", "goods_id", "item_id", "商品编号", "sku_id"}},
	{"amount", []string{"amount", "total_amount", "pay_amount", "order_amount", "金额", "总价"}},
	{"price", []string{"price", "unit_price", "sale_price", "goods_price", "单价"}},
	{"quantity", []string{"quantity", "num", "count", "num_count", "数量", "件数"}},
	{"sku", []string{"sku", "sku_code", "skucode", "goods_sn", "商品编码"}},
	{"name", []string{"name", "product_name", "goods_name", "title", "商品名称"}},
	{"status", []string{"status", "order_status", "state", "订单状态"}},
	{"date", []string{"order_date", "created_at", "date", "下单日期", "交易时间"}},
	{"customer", []string{"buyer_id", "user_id", "customer_id", "买家ID"}},
}

// Synonyms returns the set of names a source field is known by: its own
// normalized and lowercased forms plus the variants of every category whose
// key appears inside the normalized name.
func Synonyms(field string) map[string]bool {
	normalized := Normalize(field)
	set := map[string]bool{
		normalized:             true,
		strings.ToLower(field): true,
	}
	for _, entry := range synonymTable {
		if !strings.Contains(normalized, entry.category) {
			continue
		}
		set[entry.category] = true
		for _, v := range entry.variants {
			set[v] = true
		}
	}
	return set
}

// FieldCategory resolves a field name to its semantic category: an exact
// normalized match against a known variant, or a variant contained inside
// the normalized name. First matching category wins.
func FieldCategory(field string) (string, bool) {
	normalized := Normalize(field)
	for _, entry := range commonFieldTable {
		for _, v := range entry.variants {
			nv := Normalize(v)
			if normalized == nv || strings.Contains(normalized, nv) {
				return entry.category, true
			}
		}
	}
	return "", false
}
