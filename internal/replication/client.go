// Package replication はリモートのCouchDB互換データベースから
// users、statistics、deploymentsの各コレクションをローカルミラーへ複製する。
// 変更の取り込みごとにChangeBatchをコレクション別のチャネルへ送出する。
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/notifyd/internal/model"
)

const (
	// defaultBatchSize は1回の_changesリクエストで取得する最大件数。
	defaultBatchSize = 1000
	// defaultPollTimeout はロングポーリングでサーバーが変更を待つ最大時間。
	defaultPollTimeout = 60 * time.Second
	// maxResponseSize はレスポンスボディの最大サイズ（64MB）。
	maxResponseSize = 64 << 20
)

// ChangesResult は1回の_changesリクエストの結果。
type ChangesResult struct {
	Documents []model.Document
	LastSeq   string
	Pending   int
}

// changesResponse はCouchDBの_changesレスポンス。
type changesResponse struct {
	Results []changeRow     `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
	Pending int             `json:"pending"`
}

type changeRow struct {
	ID      string         `json:"id"`
	Deleted bool           `json:"deleted"`
	Doc     map[string]any `json:"doc"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
}

// ErrResponseTooLarge はレスポンスボディが上限を超えたことを表す。
// 切り詰めたボディをパースすると原因が分かりにくくなるため、専用のエラーとして返す。
var ErrResponseTooLarge = errors.New("changes response exceeds size limit")

// StatusError はフィードサーバーが200以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("changes feed returned status %d", e.StatusCode)
}

// Client はCouchDB互換の_changesフィードをロングポーリングで読むクライアント。
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	batchSize   int
	pollTimeout time.Duration
	maxBytes    int64
	logger      *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
// batchSizeとpollTimeoutが0以下の場合はデフォルト値を使用する。
// httpClientのタイムアウトはpollTimeoutより長くしておくこと。
func NewClient(httpClient *http.Client, baseURL *url.URL, batchSize int, pollTimeout time.Duration, logger *slog.Logger) *Client {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		batchSize:   batchSize,
		pollTimeout: pollTimeout,
		maxBytes:    maxResponseSize,
		logger:      logger,
	}
}

// Changes はsince以降の変更を取得する。sinceが空の場合は先頭から取得する。
// 変更がない場合はpollTimeoutまでサーバー側で待機し、空の結果を返す。
func (c *Client) Changes(ctx context.Context, collection model.Collection, since string) (*ChangesResult, error) {
	if since == "" {
		since = "0"
	}

	reqURL := c.baseURL.JoinPath(string(collection), "_changes")
	q := reqURL.Query()
	q.Set("feed", "longpoll")
	q.Set("include_docs", "true")
	q.Set("since", since)
	q.Set("limit", strconv.Itoa(c.batchSize))
	q.Set("timeout", strconv.FormatInt(c.pollTimeout.Milliseconds(), 10))
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create changes request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "notifyd/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request changes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read changes response: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes (batch size %d)", ErrResponseTooLarge, c.maxBytes, c.batchSize)
	}

	var parsed changesResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse changes response: %w", err)
	}

	result := &ChangesResult{
		Documents: make([]model.Document, 0, len(parsed.Results)),
		LastSeq:   seqString(parsed.LastSeq),
		Pending:   parsed.Pending,
	}
	for _, row := range parsed.Results {
		if row.ID == "" || strings.HasPrefix(row.ID, "_design/") {
			continue
		}
		result.Documents = append(result.Documents, toDocument(row))
	}

	c.logger.Debug("変更フィードを取得しました",
		slog.String("collection", string(collection)),
		slog.String("since", since),
		slog.String("last_seq", result.LastSeq),
		slog.Int("results", len(result.Documents)),
		slog.Int("pending", result.Pending),
	)

	return result, nil
}

// toDocument は_changesの1行をミラー用のドキュメントに変換する。
// _id、_revなどアンダースコアで始まるメタデータはBodyに含めない。
func toDocument(row changeRow) model.Document {
	doc := model.Document{
		ID:      row.ID,
		Deleted: row.Deleted,
		Body:    stripMeta(row.Doc),
	}
	if len(row.Changes) > 0 {
		doc.Rev = row.Changes[0].Rev
	}
	if row.Doc != nil {
		if rev, ok := row.Doc["_rev"].(string); ok {
			doc.Rev = rev
		}
		if deleted, ok := row.Doc["_deleted"].(bool); ok && deleted {
			doc.Deleted = true
		}
	}
	return doc
}

// stripMeta はCouchDBの予約フィールドを除いたドキュメント本体を返す。
func stripMeta(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	body := make(map[string]any, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, "_") {
			continue
		}
		body[k] = v
	}
	return body
}

// seqString はシーケンス値を文字列化する。
// CouchDB 1.x は数値、2.x 以降は不透明な文字列を返すため両方を受け付ける。
func seqString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
