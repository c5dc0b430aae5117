package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config for the OpenAI-compatible client.
type Config struct {
	BaseURL string        // default https://api.openai.com/v1
	APIKey  string        // if empty, falls back to env OPENAI_API_KEY
	Timeout time.Duration // http client timeout
}

// Client talks to an OpenAI-compatible API. It implements
// VectorStoreClient, CompletionClient and BatchClient.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient creates a Client with defaults filled in.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

var _ VectorStoreClient = (*Client)(nil)
var _ CompletionClient = (*Client)(nil)
var _ BatchClient = (*Client)(nil)

// CreateVectorStore provisions an empty vector store.
func (c *Client) CreateVectorStore(ctx context.Context, name string) (string, error) {
	raw, err := c.postJSON(ctx, "vector_stores", "create_vector_store", map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", NewError(KindPermanent, "create_vector_store", "decode response", err)
	}
	if out.ID == "" {
		return "", NewError(KindPermanent, "create_vector_store", "response missing id", nil)
	}
	return out.ID, nil
}

// AttachFiles uploads each local file and attaches it to the store.
func (c *Client) AttachFiles(ctx context.Context, storeID string, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return NewError(KindPermanent, "attach_files", fmt.Sprintf("read %s", path), err)
		}
		fileID, err := c.uploadFile(ctx, filepath.Base(path), data, "assistants")
		if err != nil {
			return err
		}
		endpoint := fmt.Sprintf("vector_stores/%s/files", storeID)
		if _, err := c.postJSON(ctx, endpoint, "attach_files", map[string]any{"file_id": fileID}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteVectorStore destroys a vector store. A 404 is treated as success
// so rollback of a half-built index is idempotent.
func (c *Client) DeleteVectorStore(ctx context.Context, storeID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("vector_stores/"+storeID), nil)
	if err != nil {
		return NewError(KindPermanent, "delete_vector_store", "build request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return NewError(KindTransient, "delete_vector_store", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 400 {
		return c.statusError("delete_vector_store", resp)
	}
	return nil
}

// Generate produces a single model completion.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	body := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	}
	raw, err := c.postJSON(ctx, "chat/completions", "generate", body)
	if err != nil {
		return "", err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", NewError(KindPermanent, "generate", "decode response", err)
	}
	if len(cc.Choices) == 0 {
		return "", NewError(KindPermanent, "generate", "no choices in response", nil)
	}
	return strings.TrimSpace(cc.Choices[0].Message.Content), nil
}

// CreateBatch uploads the items as a JSONL file and starts a batch job.
func (c *Client) CreateBatch(ctx context.Context, purpose string, items []BatchItem) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		line := map[string]any{
			"custom_id": item.CustomID,
			"method":    "POST",
			"url":       "/v1/chat/completions",
			"body":      item.Body,
		}
		if err := enc.Encode(line); err != nil {
			return "", NewError(KindPermanent, "create_batch", "encode item", err)
		}
	}

	fileID, err := c.uploadFile(ctx, purpose+".jsonl", buf.Bytes(), "batch")
	if err != nil {
		return "", err
	}

	raw, err := c.postJSON(ctx, "batches", "create_batch", map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	if err != nil {
		return "", err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", NewError(KindPermanent, "create_batch", "decode response", err)
	}
	if out.ID == "" {
		return "", NewError(KindPermanent, "create_batch", "response missing id", nil)
	}
	return out.ID, nil
}

// GetBatchState polls a batch job.
func (c *Client) GetBatchState(ctx context.Context, batchID string) (*BatchState, error) {
	raw, err := c.getJSON(ctx, "batches/"+batchID, "get_batch_state")
	if err != nil {
		return nil, err
	}

	var out struct {
		Status       string `json:"status"`
		OutputFileID string `json:"output_file_id"`
		Errors       *struct {
			Data []struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewError(KindPermanent, "get_batch_state", "decode response", err)
	}

	state := &BatchState{
		Status:       out.Status,
		OutputFileID: out.OutputFileID,
	}
	if out.Errors != nil && len(out.Errors.Data) > 0 {
		state.ErrorSummary = out.Errors.Data[0].Message
	}
	return state, nil
}

// DownloadBatchResults fetches and parses a completed batch's output file.
func (c *Client) DownloadBatchResults(ctx context.Context, outputFileID string) ([]BatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("files/"+outputFileID+"/content"), nil)
	if err != nil {
		return nil, NewError(KindPermanent, "download_batch_results", "build request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewError(KindTransient, "download_batch_results", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, c.statusError("download_batch_results", resp)
	}

	var results []BatchResult
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row struct {
			CustomID string `json:"custom_id"`
			Response *struct {
				Body struct {
					Choices []struct {
						Message struct {
							Content string `json:"content"`
						} `json:"message"`
					} `json:"choices"`
				} `json:"body"`
			} `json:"response"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, NewError(KindPermanent, "download_batch_results", "decode result line", err)
		}
		result := BatchResult{CustomID: row.CustomID}
		if row.Error != nil {
			result.Error = row.Error.Message
		} else if row.Response != nil && len(row.Response.Body.Choices) > 0 {
			result.Output = strings.TrimSpace(row.Response.Body.Choices[0].Message.Content)
		}
		results = append(results, result)
	}
	if err := scanner.Err(); err != nil {
		return nil, NewError(KindPermanent, "download_batch_results", "read output file", err)
	}
	return results, nil
}

func (c *Client) uploadFile(ctx context.Context, filename string, data []byte, purpose string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("purpose", purpose); err != nil {
		return "", NewError(KindPermanent, "upload_file", "write purpose field", err)
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", NewError(KindPermanent, "upload_file", "create form file", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", NewError(KindPermanent, "upload_file", "write file body", err)
	}
	if err := writer.Close(); err != nil {
		return "", NewError(KindPermanent, "upload_file", "close multipart writer", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("files"), &body)
	if err != nil {
		return "", NewError(KindPermanent, "upload_file", "build request", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", NewError(KindTransient, "upload_file", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", c.statusError("upload_file", resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewError(KindTransient, "upload_file", "read response", err)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", NewError(KindPermanent, "upload_file", "decode response", err)
	}
	return out.ID, nil
}

func (c *Client) postJSON(ctx context.Context, path, op string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewError(KindPermanent, op, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, NewError(KindPermanent, op, "build request", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, op)
}

func (c *Client) getJSON(ctx context.Context, path, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return nil, NewError(KindPermanent, op, "build request", err)
	}
	c.authorize(req)
	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewError(KindTransient, op, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.statusError(op, resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(KindTransient, op, "read response", err)
	}
	return raw, nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := fmt.Sprintf("status %d", resp.StatusCode)

	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = fmt.Sprintf("status %d: %s", resp.StatusCode, apiErr.Error.Message)
	}
	return NewError(kindForHTTPStatus(resp.StatusCode), op, message, nil)
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + path
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}
