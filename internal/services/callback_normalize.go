package services

import (
	"strings"
)

// CallbackData is the canonical internal shape of a gateway callback. The
// gateway is inconsistent about which key carries each value across its
// response shapes, so every callback is normalized into this struct before
// any processing.
type CallbackData struct {
	TransactionID   string
	ClientRef       string
	Status          string
	Amount          string
	BankReference   string
	PaymentMethod   string
	ResponseCode    string
	ResponseMessage string
	Timestamp       string
	Signature       string

	// Raw keeps every received field for the audit log.
	Raw map[string]string
}

// Alternate key spellings observed across the gateway's response shapes.
// First match wins within each list.
var (
	transactionIDKeys = []string{"transaction_id", "txn_id", "transactionId", "txnid"}
	referenceKeys     = []string{"reference", "client_ref", "order_id", "invoice_id"}
	statusKeys        = []string{"status", "payment_status", "txn_status", "transaction_status"}
	amountKeys        = []string{"amount", "paid_amount", "txn_amount", "transaction_amount"}
	bankRefKeys       = []string{"bank_reference", "bank_ref", "approval_code"}
	methodKeys        = []string{"payment_method", "method", "card_type"}
	responseCodeKeys  = []string{"response_code", "resp_code", "code"}
	responseMsgKeys   = []string{"response_message", "resp_message", "message"}
	timestampKeys     = []string{"timestamp", "txn_datetime", "transaction_time"}
)

// NormalizeCallback maps heterogeneous gateway field names into CallbackData.
// Missing fields come back empty; the reconciler decides what is fatal.
func NormalizeCallback(values map[string]string) CallbackData {
	raw := make(map[string]string, len(values))
	for k, v := range values {
		raw[k] = v
	}

	return CallbackData{
		TransactionID:   firstOf(values, transactionIDKeys),
		ClientRef:       firstOf(values, referenceKeys),
		Status:          firstOf(values, statusKeys),
		Amount:          firstOf(values, amountKeys),
		BankReference:   firstOf(values, bankRefKeys),
		PaymentMethod:   firstOf(values, methodKeys),
		ResponseCode:    firstOf(values, responseCodeKeys),
		ResponseMessage: firstOf(values, responseMsgKeys),
		Timestamp:       firstOf(values, timestampKeys),
		Signature:       values["signature"],
		Raw:             raw,
	}
}

func firstOf(values map[string]string, keys []string) string {
	for _, k := range keys {
		if v, ok := values[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// successStatuses is the gateway's success vocabulary. Everything outside it
// that is also outside the failure vocabulary is ambiguous and treated as
// failed downstream.
var successStatuses = map[string]bool{
	"completed": true,
	"success":   true,
	"succeeded": true,
	"paid":      true,
}

var failureStatuses = map[string]bool{
	"failed":    true,
	"failure":   true,
	"declined":  true,
	"cancelled": true,
	"canceled":  true,
	"expired":   true,
}

// successResponseCodes per the bridge's response-code vocabulary.
var successResponseCodes = map[string]bool{
	"00": true,
}

// IsSuccess reports whether the callback explicitly signals a completed
// payment, via the status value or the response code.
func (c CallbackData) IsSuccess() bool {
	if successStatuses[strings.ToLower(strings.TrimSpace(c.Status))] {
		return true
	}
	return c.Status == "" && successResponseCodes[strings.TrimSpace(c.ResponseCode)]
}

// IsExplicitFailure reports whether the callback explicitly signals failure.
// Ambiguous statuses (neither success nor failure vocabulary) return false
// here AND false from IsSuccess: the reconciler fails closed on them.
func (c CallbackData) IsExplicitFailure() bool {
	return failureStatuses[strings.ToLower(strings.TrimSpace(c.Status))]
}

// HasUsableOutcome reports whether the callback carries enough data to
// finalize without a status inquiry: a status or response code, plus the
// amount. The bank sometimes omits them on redirect-only callbacks.
func (c CallbackData) HasUsableOutcome() bool {
	if c.Amount == "" {
		return false
	}
	return c.Status != "" || c.ResponseCode != ""
}

// SignedFields returns the canonical field set the callback signature is
// computed over: the normalized fields, excluding empties and the signature
// itself.
func (c CallbackData) SignedFields() map[string]string {
	fields := map[string]string{}
	put := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	put("transaction_id", c.TransactionID)
	put("reference", c.ClientRef)
	put("status", c.Status)
	put("amount", c.Amount)
	put("bank_reference", c.BankReference)
	put("payment_method", c.PaymentMethod)
	put("response_code", c.ResponseCode)
	put("response_message", c.ResponseMessage)
	put("timestamp", c.Timestamp)
	return fields
}
