package wire

// Message types exchanged with the ESS portal. The bridge only ever
// originates notification and response types; the rest arrive inbound.
const (
	TypeChargesRequest        = "LOAN_CHARGES_REQUEST"
	TypeChargesResponse       = "LOAN_CHARGES_RESPONSE"
	TypeOfferRequest          = "LOAN_OFFER_REQUEST"
	TypeOfferResponse         = "LOAN_OFFER_RESPONSE"
	TypeInitialApproval       = "LOAN_INITIAL_APPROVAL_NOTIFICATION"
	TypeFinalApproval         = "LOAN_FINAL_APPROVAL_NOTIFICATION"
	TypeDisbursement          = "LOAN_DISBURSEMENT_NOTIFICATION"
	TypeDisbursementFailure   = "LOAN_DISBURSEMENT_FAILURE_NOTIFICATION"
	TypeLiquidationRequest    = "LOAN_LIQUIDATION_REQUEST"
	TypeLiquidationNotice     = "LOAN_LIQUIDATION_NOTIFICATION"
	TypePaymentAcknowledgment = "PAYMENT_ACKNOWLEDGMENT"
	TypeResponse              = "RESPONSE"
)

// Response codes carried by RESPONSE documents.
const (
	CodeAccepted = "8000"
	CodeRejected = "8001"
)

// Header is the fixed preamble of every Data block. Element order on the
// wire is always Sender, Receiver, FSPCode, MsgId, MessageType.
type Header struct {
	Sender      string
	Receiver    string
	FSPCode     string
	MsgID       string
	MessageType string
}

// Field is a single MessageDetails element. Order matters: the counterpart
// parses some legacy types by position, so fields are kept as an ordered
// slice rather than a map.
type Field struct {
	Name  string
	Value string
}

// Message is the structured form of a Data block.
type Message struct {
	Header  Header
	Details []Field
	// Unknown is set when the message type has no field-order table.
	// Unknown messages round-trip in received order and are acknowledged
	// without processing.
	Unknown bool
}

// Get returns the value of the first detail field with the given name, or
// the empty string when absent.
func (m *Message) Get(name string) string {
	for _, f := range m.Details {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Set replaces the first detail field with the given name, appending when
// no such field exists.
func (m *Message) Set(name, value string) {
	for i := range m.Details {
		if m.Details[i].Name == name {
			m.Details[i].Value = value
			return
		}
	}
	m.Details = append(m.Details, Field{Name: name, Value: value})
}

// fieldOrder is the explicit per-message-type element order for the
// MessageDetails block. This table is the contract: encoding always emits
// elements in exactly this order regardless of how the Message was built.
var fieldOrder = map[string][]string{
	TypeChargesRequest: {
		"CheckNumber", "DesignationCode", "DesignationName", "BasicSalary",
		"NetSalary", "OneThirdAmount", "DeductibleAmount", "RequestedAmount",
		"DesiredDeductibleAmount", "RetirementDate", "TermsOfEmployment",
		"Tenure", "ProductCode", "VoteCode", "TotalEmployeeDeduction",
	},
	TypeChargesResponse: {
		"CheckNumber", "DesiredDeductibleAmount", "TotalInsurance",
		"TotalProcessingFees", "OtherCharges", "EligibleAmount",
		"MonthlyReturnAmount", "Tenure",
	},
	TypeOfferRequest: {
		"CheckNumber", "FirstName", "MiddleName", "LastName", "Sex",
		"BankAccountNumber", "NIN", "DesignationCode", "DesignationName",
		"BasicSalary", "NetSalary", "OneThirdAmount", "RequestedAmount",
		"DesiredDeductibleAmount", "RetirementDate", "TermsOfEmployment",
		"Tenure", "ProductCode", "InterestRate", "ProcessingFee",
		"Insurance", "PhysicalAddress", "MobileNumber", "ApplicationNumber",
		"LoanPurpose", "SwiftCode", "Funding",
	},
	TypeOfferResponse: {
		"ApplicationNumber", "Reason", "FSPReferenceNumber",
		"LoanNumber", "TotalAmountToPay", "OtherCharges", "Approval",
	},
	TypeInitialApproval: {
		"ApplicationNumber", "Reason", "FSPReferenceNumber", "LoanNumber",
		"Approval",
	},
	TypeFinalApproval: {
		"ApplicationNumber", "Reason", "FSPReferenceNumber", "LoanNumber",
		"Approval", "CheckNumber", "FirstName", "MiddleName", "LastName",
		"NIN", "MobileNumber", "BankAccountNumber", "SwiftCode",
		"RequestedAmount", "DesiredDeductibleAmount", "Tenure",
		"ProductCode", "InterestRate",
	},
	TypeDisbursement: {
		"ApplicationNumber", "FSPReferenceNumber", "LoanNumber",
		"TotalAmountToPay", "DisbursementDate", "Reason",
	},
	TypeDisbursementFailure: {
		"ApplicationNumber", "FSPReferenceNumber", "LoanNumber", "Reason",
	},
	TypeLiquidationRequest: {
		"ApplicationNumber", "LoanNumber", "FSPReferenceNumber",
	},
	TypeLiquidationNotice: {
		"ApplicationNumber", "LoanNumber", "FSPReferenceNumber",
		"PrincipalOutstanding", "LiquidationDate", "Reason",
	},
	TypePaymentAcknowledgment: {
		"ApplicationNumber", "LoanNumber", "FSPReferenceNumber",
		"PaymentStatus", "Amount", "PaymentDate",
	},
	TypeResponse: {
		"ResponseCode", "Description",
	},
}

// FieldOrder returns the wire element order for a message type. The second
// return is false for unknown types.
func FieldOrder(messageType string) ([]string, bool) {
	order, ok := fieldOrder[messageType]
	return order, ok
}
