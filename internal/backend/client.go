package backend

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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"launchpad/internal/deposit"
	"launchpad/internal/hmacauth"
)

// DepositPath is the stub endpoint, relative to the backend base URL.
const DepositPath = "/api/deposits/deposit"

const HeaderIdempotencyKey = "X-Idempotency-Key"

// DepositRequest is the wire body of the stub endpoint. Amount is a JSON number in ALGO.
type DepositRequest struct {
	Amount        json.Number `json:"amount"`
	EscrowAddress string      `json:"escrow_address"`
}

type DepositResponse struct {
	TxID string `json:"txid"`
}

type Config struct {
	BaseURL         string
	Secret          string
	SignatureHeader string
	TimestampHeader string
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// Client submits test-mode deposits to the stub endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	signer   *hmacauth.Signer
	newKey   func() string
	logger   *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: base + DepositPath,
		http:     httpClient,
		signer: &hmacauth.Signer{
			Secret:          cfg.Secret,
			SignatureHeader: cfg.SignatureHeader,
			TimestampHeader: cfg.TimestampHeader,
		},
		newKey: uuid.NewString,
		logger: logger.Named("backend"),
	}, nil
}

// Deposit posts one deposit and returns the txid from the response.
// Every failure wraps deposit.ErrBackend.
func (c *Client) Deposit(ctx context.Context, amount decimal.Decimal, escrowAddress string) (string, error) {
	body, err := json.Marshal(DepositRequest{
		Amount:        json.Number(amount.String()),
		EscrowAddress: escrowAddress,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", deposit.ErrBackend, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", deposit.ErrBackend, err)
	}
	key := c.newKey()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, key)
	c.signer.Sign(req, body)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", deposit.ErrBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Warn("stub deposit rejected", zap.Int("status", resp.StatusCode), zap.String("idempotency_key", key))
		return "", fmt.Errorf("%w: %s", deposit.ErrBackend, statusText(resp))
	}

	var out DepositResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", deposit.ErrBackend, err)
	}
	if out.TxID == "" {
		return "", fmt.Errorf("%w: response carried no txid", deposit.ErrBackend)
	}
	return out.TxID, nil
}

func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}
