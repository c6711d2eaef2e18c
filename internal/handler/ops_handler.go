// Package handler はデーモンの運用向けHTTPエンドポイントを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/notifyd/internal/model"
)

// HealthChecker はヘルスチェック対象の依存（データベース等）のインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SnapshotSizer はスナップショットのエンティティ数を返すインターフェース。
type SnapshotSizer interface {
	Sizes() map[model.Collection]int
}

// SeqReporter はコレクションの最終適用シーケンスを返すインターフェース。
type SeqReporter interface {
	Collection() model.Collection
	LastSeq() string
}

// OpsHandler は/healthと/snapshotsを処理する。
type OpsHandler struct {
	health    HealthChecker
	snapshots SnapshotSizer
	seqs      map[model.Collection]SeqReporter
	logger    *slog.Logger
}

// NewOpsHandler はOpsHandlerを生成する。healthはnilでもよい（インメモリミラー使用時）。
func NewOpsHandler(health HealthChecker, snapshots SnapshotSizer, replicators []SeqReporter, logger *slog.Logger) *OpsHandler {
	seqs := make(map[model.Collection]SeqReporter, len(replicators))
	for _, r := range replicators {
		seqs[r.Collection()] = r
	}
	return &OpsHandler{
		health:    health,
		snapshots: snapshots,
		seqs:      seqs,
		logger:    logger,
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health はGET /healthを処理する。依存先に到達できない場合は503を返す。
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := h.health.PingContext(ctx); err != nil {
			h.logger.Warn("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "database unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type collectionStatus struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	LastSeq string `json:"last_seq"`
}

type snapshotsResponse struct {
	Collections []collectionStatus `json:"collections"`
}

// Snapshots はGET /snapshotsを処理する。
// コレクションごとのスナップショットサイズと最終適用シーケンスを返す。
func (h *OpsHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	sizes := h.snapshots.Sizes()

	resp := snapshotsResponse{Collections: make([]collectionStatus, 0, len(model.Collections()))}
	for _, c := range model.Collections() {
		status := collectionStatus{Name: string(c), Size: sizes[c]}
		if rep, ok := h.seqs[c]; ok {
			status.LastSeq = rep.LastSeq()
		}
		resp.Collections = append(resp.Collections, status)
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
