// Package remote talks to the report rendering and distribution services over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/sirupsen/logrus"
)

const maxErrorBody = 512

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

type generateRequest struct {
	TemplateID string         `json:"template_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Format     types.Format   `json:"format"`
}

// Generator renders reports by POSTing to {baseURL}/generate. The response
// body is the document.
type Generator struct {
	logger  *logrus.Logger
	baseURL string
	client  *http.Client
}

func NewGenerator(logger *logrus.Logger, baseURL string, timeout time.Duration) *Generator {
	return &Generator{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(timeout),
	}
}

func (g *Generator) Generate(ctx context.Context, templateID string, parameters map[string]any, format types.Format) ([]byte, error) {
	resp, err := postJSON(ctx, g.client, g.baseURL+"/generate", generateRequest{
		TemplateID: templateID,
		Parameters: parameters,
		Format:     format,
	})
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", templateID, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("generate %s: failed to read document: %w", templateID, err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("generate %s: empty document", templateID)
	}

	g.logger.WithFields(logrus.Fields{
		"template_id": templateID,
		"format":      format,
		"bytes":       len(content),
	}).Debug("Report generated")
	return content, nil
}

type distributeRequest struct {
	ReportID string         `json:"report_id"`
	Content  []byte         `json:"content"`
	Format   string         `json:"format"`
	RuleID   string         `json:"rule_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Distributor delivers reports by POSTing to {baseURL}/distribute. Content
// travels base64 encoded in the JSON body.
type Distributor struct {
	logger  *logrus.Logger
	baseURL string
	client  *http.Client
}

func NewDistributor(logger *logrus.Logger, baseURL string, timeout time.Duration) *Distributor {
	return &Distributor{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(timeout),
	}
}

func (d *Distributor) Distribute(ctx context.Context, reportID string, content []byte, format string, ruleID string, metadata map[string]any) (types.DistributionResult, error) {
	resp, err := postJSON(ctx, d.client, d.baseURL+"/distribute", distributeRequest{
		ReportID: reportID,
		Content:  content,
		Format:   format,
		RuleID:   ruleID,
		Metadata: metadata,
	})
	if err != nil {
		return types.DistributionResult{}, fmt.Errorf("distribute %s: %w", reportID, err)
	}
	defer resp.Body.Close()

	var result types.DistributionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return types.DistributionResult{}, fmt.Errorf("distribute %s: failed to decode result: %w", reportID, err)
	}

	d.logger.WithFields(logrus.Fields{
		"report_id":  reportID,
		"rule_id":    ruleID,
		"success":    result.Success,
		"deliveries": len(result.Deliveries),
	}).Debug("Report distributed")
	return result, nil
}
