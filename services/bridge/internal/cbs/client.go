// Package cbs is the REST client for the core banking system. It only
// classifies failures; retry policy belongs to the caller.
package cbs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRetryable marks network, timeout and server-side failures: the
// application state stays unchanged and the call may be reissued.
// ErrTerminal marks validation and business-rule rejections: the
// application is driven to FAILED and a failure notification is sent.
var (
	ErrRetryable = errors.New("cbs: retryable failure")
	ErrTerminal  = errors.New("cbs: terminal failure")
)

type Client struct {
	BaseURL  string
	Username string
	Password string
	TenantID string
	HTTP     *http.Client
}

func New(baseURL, username, password, tenantID string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Username: username,
		Password: password,
		TenantID: tenantID,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

type CreateClientRequest struct {
	FullName      string `json:"fullname"`
	NIN           string `json:"externalId"`
	MobileNumber  string `json:"mobileNo"`
	AccountNumber string `json:"savingsAccountNo"`
	OfficeID      int    `json:"officeId"`
}

type CreateLoanRequest struct {
	ClientID       string          `json:"clientId"`
	ProductCode    string          `json:"productCode"`
	Principal      decimal.Decimal `json:"principal"`
	TenureMonths   int             `json:"loanTermFrequency"`
	InterestRate   float64         `json:"interestRatePerPeriod"`
	ExternalRef    string          `json:"externalId"`
	DisburseTo     string          `json:"linkAccountId"`
	SubmittedOnISO string          `json:"submittedOnDate"`
}

type LoanSummary struct {
	LoanID               string          `json:"loanId"`
	AccountNumber        string          `json:"accountNo"`
	PrincipalDisbursed   decimal.Decimal `json:"principalDisbursed"`
	PrincipalOutstanding decimal.Decimal `json:"principalOutstanding"`
	TotalExpected        decimal.Decimal `json:"totalExpectedRepayment"`
	Status               string          `json:"status"`
}

// CreateClient registers the borrower and returns the CBS client id.
func (c *Client) CreateClient(ctx context.Context, req CreateClientRequest) (string, error) {
	var out struct {
		ClientID string `json:"clientId"`
	}
	if err := c.do(ctx, http.MethodPost, "/clients", req, &out); err != nil {
		return "", err
	}
	if out.ClientID == "" {
		return "", fmt.Errorf("%w: empty client id in response", ErrTerminal)
	}
	return out.ClientID, nil
}

// CreateLoan opens the loan account and returns its id and account number.
func (c *Client) CreateLoan(ctx context.Context, req CreateLoanRequest) (loanID, accountNo string, err error) {
	var out struct {
		LoanID    string `json:"loanId"`
		AccountNo string `json:"accountNo"`
	}
	if err := c.do(ctx, http.MethodPost, "/loans", req, &out); err != nil {
		return "", "", err
	}
	if out.LoanID == "" {
		return "", "", fmt.Errorf("%w: empty loan id in response", ErrTerminal)
	}
	return out.LoanID, out.AccountNo, nil
}

// Disburse executes the disbursement transaction and returns the CBS
// transaction id.
func (c *Client) Disburse(ctx context.Context, loanID string, amount decimal.Decimal) (string, error) {
	body := map[string]any{"transactionAmount": amount, "actualDisbursementDate": time.Now().UTC().Format("2006-01-02")}
	var out struct {
		TransactionID string `json:"transactionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/loans/"+loanID+"/disburse", body, &out); err != nil {
		return "", err
	}
	return out.TransactionID, nil
}

func (c *Client) FetchLoanSummary(ctx context.Context, loanID string) (*LoanSummary, error) {
	var out LoanSummary
	if err := c.do(ctx, http.MethodGet, "/loans/"+loanID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchOutstanding returns the live principal outstanding. Liquidation
// must use this, never a cached figure.
func (c *Client) FetchOutstanding(ctx context.Context, loanID string) (decimal.Decimal, error) {
	summary, err := c.FetchLoanSummary(ctx, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	return summary.PrincipalOutstanding, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrTerminal, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTerminal, err)
	}
	req.SetBasicAuth(c.Username, c.Password)
	req.Header.Set("Fineract-Platform-TenantId", c.TenantID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dst == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrRetryable, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	reason := extractReason(raw)
	if reason == "" {
		reason = fmt.Sprintf("cbs returned %d", resp.StatusCode)
	}
	if retryableStatus(resp.StatusCode) {
		return fmt.Errorf("%w: %s", ErrRetryable, reason)
	}
	return fmt.Errorf("%w: %s", ErrTerminal, reason)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// extractReason pulls a human-readable message out of a CBS error body so
// failure notifications can carry it verbatim.
func extractReason(raw []byte) string {
	var body struct {
		Message            string `json:"message"`
		DefaultUserMessage string `json:"defaultUserMessage"`
		DeveloperMessage   string `json:"developerMessage"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	for _, m := range []string{body.DefaultUserMessage, body.Message, body.DeveloperMessage} {
		if strings.TrimSpace(m) != "" {
			return strings.TrimSpace(m)
		}
	}
	return strings.TrimSpace(string(raw))
}
