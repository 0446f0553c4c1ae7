package domain

import (
	"log/slog"
	"strings"
)

// MethodType tags the rail a payment method belongs to.
type MethodType string

const (
	MethodTypeBankTransfer MethodType = "bank_transfer"
	MethodTypeCrypto       MethodType = "crypto"
	MethodTypeOther        MethodType = "other"
)

// MethodTypes lists every rail in a stable order.
var MethodTypes = []MethodType{MethodTypeBankTransfer, MethodTypeCrypto, MethodTypeOther}

// Valid reports whether t is a known rail.
func (t MethodType) Valid() bool {
	switch t {
	case MethodTypeBankTransfer, MethodTypeCrypto, MethodTypeOther:
		return true
	}
	return false
}

// Operation is an external call kind made against a rail.
type Operation string

const (
	OperationWithdraw Operation = "withdraw"
	OperationDeposit  Operation = "deposit"
	OperationValidate Operation = "validate"
)

// BankDetails carries ACH-style routing data.
type BankDetails struct {
	AccountHolder string `json:"account_holder"`
	AccountNumber string `json:"account_number"`
	RoutingNumber string `json:"routing_number"`
	AccountType   string `json:"account_type"` // checking, savings
}

// CryptoDetails carries a wallet on a given network.
type CryptoDetails struct {
	Network string `json:"network"` // bitcoin, ethereum, usdc
	Address string `json:"address"`
}

// OtherDetails references an account held at a generic provider.
type OtherDetails struct {
	Provider  string `json:"provider"`
	Reference string `json:"reference"`
}

// PaymentMethod is a decrypted payment-method descriptor. Exactly one of
// Bank, Crypto or Other is set, matching Type.
type PaymentMethod struct {
	ID      string     `json:"id"`
	OwnerID string     `json:"owner_id"`
	Type    MethodType `json:"type"`
	Active  bool       `json:"active"`

	Bank   *BankDetails   `json:"bank,omitempty"`
	Crypto *CryptoDetails `json:"crypto,omitempty"`
	Other  *OtherDetails  `json:"other,omitempty"`
}

// LogValue keeps routing details out of logs.
func (m *PaymentMethod) LogValue() slog.Value {
	if m == nil {
		return slog.StringValue("<nil>")
	}
	attrs := []slog.Attr{
		slog.String("id", m.ID),
		slog.String("type", string(m.Type)),
	}
	switch {
	case m.Bank != nil:
		attrs = append(attrs, slog.String("account", Mask(m.Bank.AccountNumber)))
	case m.Crypto != nil:
		attrs = append(attrs,
			slog.String("network", m.Crypto.Network),
			slog.String("address", Mask(m.Crypto.Address)))
	case m.Other != nil:
		attrs = append(attrs, slog.String("provider", m.Other.Provider))
	}
	return slog.GroupValue(attrs...)
}

// Mask keeps the last four characters of s.
func Mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
