// Package reportapi is a client for the Selling Partner reports API, limited to the
// search query performance report the pipeline pulls.
package reportapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/sqpsync/internal/domain"
	"golang.org/x/oauth2"
)

const (
	// ReportTypeSQP is the search query performance report type.
	ReportTypeSQP = "GET_BRAND_ANALYTICS_SEARCH_QUERY_PERFORMANCE_REPORT"

	reportsPath   = "/reports/2021-06-30/reports"
	documentsPath = "/reports/2021-06-30/documents"

	// the asin report option is capped at 200 characters
	maxAsinOptionLen = 200
)

// ProcessingStatus is the state of a requested report.
type ProcessingStatus string

const (
	StatusInQueue    ProcessingStatus = "IN_QUEUE"
	StatusInProgress ProcessingStatus = "IN_PROGRESS"
	StatusDone       ProcessingStatus = "DONE"
	StatusCancelled  ProcessingStatus = "CANCELLED"
	StatusFatal      ProcessingStatus = "FATAL"
)

// Pending reports whether the report is still being generated.
func (s ProcessingStatus) Pending() bool {
	return s == StatusInQueue || s == StatusInProgress
}

// Config holds client settings.
type Config struct {
	BaseURL       string
	MarketplaceID string
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	TokenURL      string
	Timeout       time.Duration
}

// Client calls the reports API.
type Client struct {
	client        *resty.Client
	marketplaceID string
}

// New creates a Client. When credentials are configured, every request carries an access
// token obtained through the refresh-token grant.
func New(cfg Config) *Client {
	var tokens oauth2.TokenSource
	if cfg.ClientID != "" && cfg.RefreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		tokens = oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	}
	return NewWithTokenSource(cfg, tokens)
}

// NewWithTokenSource creates a Client using tokens for authentication; nil disables auth.
func NewWithTokenSource(cfg Config, tokens oauth2.TokenSource) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if tokens != nil {
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			tok, err := tokens.Token()
			if err != nil {
				return fmt.Errorf("refresh access token: %w", err)
			}
			req.SetHeader("x-amz-access-token", tok.AccessToken)
			return nil
		})
	}
	return &Client{client: client, marketplaceID: cfg.MarketplaceID}
}

// ReportRequest asks for one period's report.
type ReportRequest struct {
	Period    domain.Period
	DateRange domain.DateRange
	ASINs     []string
}

type createReportBody struct {
	ReportType     string            `json:"reportType"`
	MarketplaceIDs []string          `json:"marketplaceIds"`
	DataStartTime  string            `json:"dataStartTime"`
	DataEndTime    string            `json:"dataEndTime"`
	ReportOptions  map[string]string `json:"reportOptions"`
}

type createReportResponse struct {
	ReportID string `json:"reportId"`
}

// Report is the status of a requested report.
type Report struct {
	ReportID         string           `json:"reportId"`
	ReportType       string           `json:"reportType"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	ReportDocumentID string           `json:"reportDocumentId"`
	DataStartTime    string           `json:"dataStartTime"`
	DataEndTime      string           `json:"dataEndTime"`
}

// ReportDocument locates a generated report's content.
type ReportDocument struct {
	ReportDocumentID     string `json:"reportDocumentId"`
	URL                  string `json:"url"`
	CompressionAlgorithm string `json:"compressionAlgorithm,omitempty"`
}

// CreateReport requests a report and returns its ID.
func (c *Client) CreateReport(ctx context.Context, req ReportRequest) (string, error) {
	body := createReportBody{
		ReportType:     ReportTypeSQP,
		MarketplaceIDs: []string{c.marketplaceID},
		DataStartTime:  req.DateRange.Start.Format(domain.DateLayout),
		DataEndTime:    req.DateRange.End.Format(domain.DateLayout),
		ReportOptions: map[string]string{
			"reportPeriod": req.Period.ReportPeriod(),
			"asin":         AsinOption(req.ASINs),
		},
	}

	var out createReportResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&errorResponse{}).
		Post(reportsPath)
	if err := checkResponse("create report", resp, err); err != nil {
		return "", err
	}
	if out.ReportID == "" {
		return "", fmt.Errorf("create report: response has no reportId")
	}
	return out.ReportID, nil
}

// GetReport returns the processing status of a report.
func (c *Client) GetReport(ctx context.Context, reportID string) (*Report, error) {
	var out Report
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", reportID).
		SetResult(&out).
		SetError(&errorResponse{}).
		Get(reportsPath + "/{id}")
	if err := checkResponse("get report", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReportDocument returns where a report document can be downloaded.
func (c *Client) GetReportDocument(ctx context.Context, documentID string) (*ReportDocument, error) {
	var out ReportDocument
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", documentID).
		SetResult(&out).
		SetError(&errorResponse{}).
		Get(documentsPath + "/{id}")
	if err := checkResponse("get report document", resp, err); err != nil {
		return nil, err
	}
	if out.URL == "" {
		return nil, fmt.Errorf("get report document %s: response has no url", documentID)
	}
	return &out, nil
}

// AsinOption joins ASINs with spaces, dropping whole ASINs that would exceed the option limit.
func AsinOption(asins []string) string {
	var b strings.Builder
	for _, a := range asins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		extra := len(a)
		if b.Len() > 0 {
			extra++
		}
		if b.Len()+extra > maxAsinOptionLen {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(a)
	}
	return b.String()
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode(), Op: op}
	if e, ok := resp.Error().(*errorResponse); ok && len(e.Errors) > 0 {
		apiErr.Code = e.Errors[0].Code
		apiErr.Message = e.Errors[0].Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}
	return apiErr
}
