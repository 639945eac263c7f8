package docnumber

import "sort"

// Setting keys read by the config resolver
const (
	SettingPrefixKeyPrefix    = "document_prefix_"
	SettingDateFormatKey      = "document_number_date_format"
	SettingSequenceDigitsKey  = "document_number_sequence_digits"
	SettingConfigTypeBusiness = "business"
)

// DocumentType is a logical document kind that owns a configurable prefix
type DocumentType struct {
	Key           string
	DefaultPrefix string
	Description   string
}

// SettingKey returns the configuration key holding the prefix of this type
func (t DocumentType) SettingKey() string {
	return PrefixSettingKey(t.Key)
}

// PrefixSettingKey returns the configuration key of a logical type key
func PrefixSettingKey(typeKey string) string {
	return SettingPrefixKeyPrefix + typeKey
}

// Logical document type keys
const (
	TypeQuotation           = "quotation"
	TypeSalesOrder          = "sales_order"
	TypeDelivery            = "delivery"
	TypeSalesReturn         = "sales_return"
	TypeSalesLoan           = "sales_loan"
	TypePurchaseRequest     = "purchase_request"
	TypePurchaseInquiry     = "purchase_inquiry"
	TypePurchaseOrder       = "purchase_order"
	TypeReceipt             = "receipt"
	TypePurchaseReturn      = "purchase_return"
	TypeBorrow              = "borrow"
	TypeStockIn             = "stock_in"
	TypeStockOut            = "stock_out"
	TypeStockTransfer       = "stock_transfer"
	TypeStockPicking        = "stock_picking"
	TypeStockAdjustment     = "stock_adjustment"
	TypeQualityInspection   = "quality_inspection"
	TypeSalesContract       = "sales_contract"
	TypePurchaseContract    = "purchase_contract"
	TypeLoanContract        = "loan_contract"
	TypeProductionPlan      = "production_plan"
	TypeWorkOrder           = "work_order"
	TypeMaterialRequisition = "material_requisition"
	TypeMaterialReturn      = "material_return"
	TypePaymentReceipt      = "payment_receipt"
	TypePayment             = "payment"
	TypeInvoice             = "invoice"
	TypeRefund              = "refund"
	TypeExpense             = "expense"
	TypeAccountDetail       = "account_detail"
	TypeSupplierAccount     = "supplier_account"
)

var documentTypes = map[string]DocumentType{
	TypeQuotation:           {TypeQuotation, "SQ", "Sales quotation"},
	TypeSalesOrder:          {TypeSalesOrder, "SO", "Sales order"},
	TypeDelivery:            {TypeDelivery, "OUT", "Sales delivery"},
	TypeSalesReturn:         {TypeSalesReturn, "SR", "Sales return"},
	TypeSalesLoan:           {TypeSalesLoan, "LO", "Sales loan"},
	TypePurchaseRequest:     {TypePurchaseRequest, "PR", "Purchase request"},
	TypePurchaseInquiry:     {TypePurchaseInquiry, "RFQ", "Request for quotation"},
	TypePurchaseOrder:       {TypePurchaseOrder, "PO", "Purchase order"},
	TypeReceipt:             {TypeReceipt, "IN", "Purchase receipt"},
	TypePurchaseReturn:      {TypePurchaseReturn, "ROUT", "Purchase return"},
	TypeBorrow:              {TypeBorrow, "BO", "Purchase borrow"},
	TypeStockIn:             {TypeStockIn, "IN", "Stock in"},
	TypeStockOut:            {TypeStockOut, "OUT", "Stock out"},
	TypeStockTransfer:       {TypeStockTransfer, "INT", "Internal transfer"},
	TypeStockPicking:        {TypeStockPicking, "PICK", "Stock count"},
	TypeStockAdjustment:     {TypeStockAdjustment, "ADJ", "Stock adjustment"},
	TypeQualityInspection:   {TypeQualityInspection, "QC", "Quality inspection"},
	TypeSalesContract:       {TypeSalesContract, "SC", "Sales contract"},
	TypePurchaseContract:    {TypePurchaseContract, "PC", "Purchase contract"},
	TypeLoanContract:        {TypeLoanContract, "LC", "Loan contract"},
	TypeProductionPlan:      {TypeProductionPlan, "PP", "Production plan"},
	TypeWorkOrder:           {TypeWorkOrder, "MO", "Manufacturing order"},
	TypeMaterialRequisition: {TypeMaterialRequisition, "MR", "Material requisition"},
	TypeMaterialReturn:      {TypeMaterialReturn, "MTR", "Material return"},
	TypePaymentReceipt:      {TypePaymentReceipt, "PAY", "Payment receipt"},
	TypePayment:             {TypePayment, "BILL", "Payment"},
	TypeInvoice:             {TypeInvoice, "INV", "Invoice"},
	TypeRefund:              {TypeRefund, "RINV", "Refund"},
	TypeExpense:             {TypeExpense, "EXP", "Expense claim"},
	TypeAccountDetail:       {TypeAccountDetail, "AD", "Account payable/receivable detail"},
	TypeSupplierAccount:     {TypeSupplierAccount, "AP", "Supplier account payable"},
}

// legacyPrefixes maps raw prefixes used by older callers to their logical type
var legacyPrefixes = map[string]string{
	"QT":   TypeQuotation,
	"SQ":   TypeQuotation,
	"SO":   TypeSalesOrder,
	"SD":   TypeDelivery,
	"DL":   TypeDelivery,
	"SR":   TypeSalesReturn,
	"LO":   TypeSalesLoan,
	"PR":   TypePurchaseRequest,
	"PI":   TypePurchaseInquiry,
	"RFQ":  TypePurchaseInquiry,
	"PO":   TypePurchaseOrder,
	"IN":   TypeReceipt,
	"PT":   TypePurchaseReturn,
	"BO":   TypeBorrow,
	"SI":   TypeStockIn,
	"ST":   TypeStockOut,
	"SA":   TypeStockAdjustment,
	"INT":  TypeStockTransfer,
	"SP":   TypeStockPicking,
	"QI":   TypeQualityInspection,
	"QC":   TypeQualityInspection,
	"SC":   TypeSalesContract,
	"PC":   TypePurchaseContract,
	"LC":   TypeLoanContract,
	"PP":   TypeProductionPlan,
	"WO":   TypeWorkOrder,
	"MO":   TypeWorkOrder,
	"MR":   TypeMaterialRequisition,
	"MT":   TypeMaterialReturn,
	"MTR":  TypeMaterialReturn,
	"PM":   TypePaymentReceipt,
	"PY":   TypePayment,
	"IV":   TypeInvoice,
	"EX":   TypeExpense,
	"RF":   TypeRefund,
	"RINV": TypeRefund,
}

// LookupDocumentType returns the catalogue entry of a logical key
func LookupDocumentType(key string) (DocumentType, bool) {
	t, ok := documentTypes[key]
	return t, ok
}

// LookupLegacyPrefix returns the logical type a raw legacy prefix maps to
func LookupLegacyPrefix(prefix string) (DocumentType, bool) {
	key, ok := legacyPrefixes[prefix]
	if !ok {
		return DocumentType{}, false
	}
	return LookupDocumentType(key)
}

// AllDocumentTypes returns the catalogue sorted by key
func AllDocumentTypes() []DocumentType {
	types := make([]DocumentType, 0, len(documentTypes))
	for _, t := range documentTypes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Key < types[j].Key })
	return types
}
