package psp

import (
	"time"

	"github.com/thriftbank/thriftbank/internal/money"
)

// Envelope is the result header every provider response carries.
type Envelope struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e Envelope) envelope() Envelope { return e }

type coded interface {
	envelope() Envelope
}

type authRequest struct {
	PublicKey  string `json:"publickey"`
	PrivateKey string `json:"privatekey"`
}

type authResponse struct {
	Envelope
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type accountRef struct {
	Number              string `json:"number,omitempty"`
	Bank                string `json:"bank,omitempty"`
	Name                string `json:"name,omitempty"`
	Type                string `json:"type,omitempty"`
	SenderAccountNumber string `json:"senderaccountnumber,omitempty"`
	SenderName          string `json:"sendername,omitempty"`
}

type customerRef struct {
	Account accountRef `json:"account"`
}

type transactionRef struct {
	Reference         string `json:"reference,omitempty"`
	LinkingReference  string `json:"linkingreference,omitempty"`
	ExternalReference string `json:"externalreference,omitempty"`
	Date              string `json:"date,omitempty"`
}

type order struct {
	Amount      money.Money `json:"amount"`
	Currency    string      `json:"currency"`
	Description string      `json:"description,omitempty"`
	Country     string      `json:"country"`
	AmountType  string      `json:"amounttype,omitempty"`
}

type enquiryRequest struct {
	Customer customerRef `json:"customer"`
}

type enquiryResponse struct {
	Envelope
	Customer customerRef `json:"customer"`
}

// Bank is one entry of the provider's bank directory.
type Bank struct {
	Code     string `json:"BankCode"`
	Name     string `json:"BankName"`
	LongCode string `json:"BankLongCode"`
}

type bankListResponse struct {
	Envelope
	Banks []Bank `json:"BankList"`
}

type balanceRequest struct {
	Account struct {
		Number string `json:"accountnumber"`
	} `json:"account"`
}

// Balance is the provider's view of one of its accounts.
type Balance struct {
	Number    string      `json:"number"`
	Name      string      `json:"name,omitempty"`
	Available money.Money `json:"balance"`
	Currency  string      `json:"currency,omitempty"`
}

type balanceResponse struct {
	Envelope
	Account Balance `json:"account"`
}

type transferRequest struct {
	Transaction transactionRef `json:"transaction"`
	Order       order          `json:"order"`
	Customer    customerRef    `json:"customer"`
	Hash        string         `json:"hash"`
}

type transferResponse struct {
	Envelope
	Transaction transactionRef `json:"transaction"`
}

type statusResponse struct {
	Envelope
	Transaction transactionRef `json:"transaction"`
	Order       order          `json:"order"`
	Customer    customerRef    `json:"customer"`
}

type virtualAccountRequest struct {
	Transaction transactionRef `json:"transaction"`
	Order       order          `json:"order"`
	Customer    customerRef    `json:"customer"`
}

type virtualAccountResponse struct {
	Envelope
	Customer customerRef `json:"customer"`
	Bank     struct {
		Name string `json:"name"`
		Code string `json:"code"`
	} `json:"bank"`
}

// AccountName is the result of an account enquiry.
type AccountName struct {
	Number   string `json:"number"`
	BankCode string `json:"bank_code"`
	Name     string `json:"name"`
}

// TransferRequest describes an outbound fund transfer.
type TransferRequest struct {
	Reference        string
	Amount           money.Money
	Description      string
	SenderAccount    string
	SenderName       string
	RecipientAccount string
	RecipientBank    string
	RecipientName    string
}

// TransferResult is an accepted fund transfer.
type TransferResult struct {
	Reference         string
	LinkingReference  string
	ExternalReference string
	Code              string
	Message           string
}

// StatusQuery selects a transfer by any of its references.
type StatusQuery struct {
	Reference         string
	LinkingReference  string
	ExternalReference string
}

// TransferStatus is the provider's final or pending view of a transfer.
type TransferStatus struct {
	Reference         string
	LinkingReference  string
	ExternalReference string
	Code              string
	Message           string
	Amount            money.Money
}

// VirtualAccount is a provider-issued funding account.
type VirtualAccount struct {
	Number   string `json:"number"`
	Name     string `json:"name"`
	BankName string `json:"bank_name"`
	BankCode string `json:"bank_code"`
}

// Token is a cached bearer token.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be presented at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}
