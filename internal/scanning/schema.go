package scanning

import (
	"fmt"
	"strings"

	"github.com/zombor/receipt-ledger/internal/expense"
)

// SchemaField describes one key of the expected JSON reply
type SchemaField struct {
	Name        string
	Type        string
	Description string
}

// Schema is the reply shape the model must produce
type Schema struct {
	Fields          []SchemaField
	Categories      []expense.Category
	MaxStringLength int
}

// ReceiptSchema is the reply shape used for every receipt
var ReceiptSchema = Schema{
	Fields: []SchemaField{
		{Name: "merchant", Type: "string|null", Description: "business name as printed at the top of the receipt"},
		{Name: "total_amount", Type: "number|null", Description: "final total paid, a plain number such as 42.75"},
		{Name: "currency", Type: "string|null", Description: "ISO-4217 code, only if printed on the receipt"},
		{Name: "date", Type: "string|null", Description: "transaction date as YYYY-MM-DD"},
		{Name: "category_hint", Type: "string|null", Description: "one of the listed categories"},
		{Name: "description", Type: "string|null", Description: "a few words describing what was bought"},
		{Name: "line_items", Type: "array", Description: `items as {"description": string, "amount": number|null}`},
		{Name: "tax_amount", Type: "number|null", Description: "total tax charged"},
		{Name: "subtotal", Type: "number|null", Description: "total before tax"},
		{Name: "confidence", Type: "number", Description: "your confidence in the extraction from 0.0 to 1.0"},
	},
	Categories: []expense.Category{
		expense.CategoryMealsEntertainment,
		expense.CategoryTravel,
		expense.CategoryOfficeSupplies,
		expense.CategoryVehicle,
		expense.CategoryHomeOffice,
		expense.CategoryProfessionalDevelopment,
		expense.CategoryInsurance,
		expense.CategoryUtilities,
		expense.CategoryRent,
		expense.CategoryEquipment,
		expense.CategorySoftware,
		expense.CategoryMarketing,
		expense.CategoryLegal,
		expense.CategoryOther,
	},
	MaxStringLength: 200,
}

// allowsCategory reports whether c is one of the schema's categories
func (s Schema) allowsCategory(c expense.Category) bool {
	for _, allowed := range s.Categories {
		if allowed == c {
			return true
		}
	}
	return false
}

// describe renders the schema for the instruction text
func (s Schema) describe() string {
	var b strings.Builder
	b.WriteString("{\n")
	for i, f := range s.Fields {
		fmt.Fprintf(&b, "  %q: %s", f.Name, f.Type)
		if i < len(s.Fields)-1 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "  // %s\n", f.Description)
	}
	b.WriteString("}\n\nAllowed categories: ")
	for i, c := range s.Categories {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(c))
	}
	return b.String()
}
