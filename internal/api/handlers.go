package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"Teknia-Ledger/internal/auth"
	"Teknia-Ledger/internal/distribution"
	xerrors "Teknia-Ledger/internal/errors"
	"Teknia-Ledger/internal/ledger"
	"Teknia-Ledger/internal/observability/metrics"
	"Teknia-Ledger/internal/policy"
)

type transferRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	AmountDeg int64  `json:"amount_deg"`
}

type rewardRequest struct {
	To        string `json:"to"`
	AmountDeg int64  `json:"amount_deg"`
}

type consumeRequest struct {
	From      string `json:"from"`
	AmountDeg int64  `json:"amount_deg"`
}

type distributionRequest struct {
	Group string `json:"group"`
	// BatchPath 指向服务端本地的批次文件，与 knus 二选一。
	BatchPath    string              `json:"batch_path,omitempty"`
	DryRun       bool                `json:"dry_run"`
	ValidateOnly bool                `json:"validate_only"`
	KNUs         []*distribution.KNU `json:"knus"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求体", http.StatusBadRequest)
		return
	}
	tx, err := s.ledger.Transfer(r.Context(), req.From, req.To, req.AmountDeg)
	s.observeOp(policy.OpTransfer, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求体", http.StatusBadRequest)
		return
	}
	tx, err := s.ledger.Reward(r.Context(), req.To, req.AmountDeg)
	s.observeOp(policy.OpReward, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求体", http.StatusBadRequest)
		return
	}
	tx, err := s.ledger.Consume(r.Context(), req.From, req.AmountDeg)
	s.observeOp(policy.OpConsume, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	op := policy.OpType(strings.ToLower(r.URL.Query().Get("op")))
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount_deg"), 10, 64)
	if err != nil {
		http.Error(w, "amount_deg 必须是整数", http.StatusBadRequest)
		return
	}
	quote, err := s.ledger.QuoteFee(op, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	if account == "" {
		http.Error(w, "缺少 account 参数", http.StatusBadRequest)
		return
	}
	balance, err := s.ledger.Balance(account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":     account,
		"balance_deg": balance,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	var afterSeq uint64
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "after_seq 必须是非负整数", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit 必须是正整数", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	txs := s.ledger.Transactions(afterSeq, limit)
	headSeq, headHash := s.ledger.Head()
	writeJSON(w, http.StatusOK, map[string]any{
		"head_seq":     headSeq,
		"head_hash":    headHash.Hex(),
		"transactions": txs,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "仅支持 GET 或 POST", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.ledger.Verify(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleDistributions 在 dry-run 时同步计算并返回结果，真实发放则入队
// 异步执行，调用方通过 run ID 轮询状态。
func (s *Server) handleDistributions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req distributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求体", http.StatusBadRequest)
		return
	}
	if len(req.KNUs) == 0 && req.BatchPath != "" {
		knus, err := distribution.LoadBatchFile(req.BatchPath)
		if err != nil {
			writeError(w, err)
			return
		}
		req.KNUs = knus
	}
	if err := distribution.ValidateBatch(req.KNUs); err != nil {
		writeError(w, err)
		return
	}

	if req.ValidateOnly {
		writeJSON(w, http.StatusOK, map[string]any{
			"group": req.Group,
			"items": s.dist.CheckEligibility(req.Group, req.KNUs),
		})
		return
	}

	if req.DryRun || s.enqueuer == nil {
		result, err := s.dist.Distribute(r.Context(), req.Group, req.KNUs, true)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	run, err := s.enqueuer.Enqueue(r.Context(), req.Group, req.KNUs, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleDistributionRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/distributions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "无效的 run ID", http.StatusBadRequest)
		return
	}
	if s.runs == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		http.Error(w, "身份认证未启用", http.StatusNotFound)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求体", http.StatusBadRequest)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		switch err {
		case auth.ErrUnsupportedGrant:
			status = http.StatusBadRequest
		case auth.ErrSubjectRevoked:
			status = http.StatusForbidden
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	halted, cause := s.ledger.Halted()
	headSeq, headHash := s.ledger.Head()
	payload := map[string]any{
		"status":    "ok",
		"halted":    halted,
		"head_seq":  headSeq,
		"head_hash": headHash.Hex(),
	}
	status := http.StatusOK
	if halted {
		payload["status"] = "halted"
		if cause != nil {
			payload["cause"] = cause.Error()
		}
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) observeOp(op policy.OpType, err error) {
	outcome := "applied"
	if err != nil {
		outcome = "rejected"
	}
	metrics.ObserveLedgerOp(string(op), outcome)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把业务错误码映射为 HTTP 状态码并输出结构化错误体。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case ledger.CodeInvalidAmount, policy.CodeBelowQuantum,
		xerrors.CodeInvalidArgument, distribution.CodeEmptyBatch:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, ledger.CodeUnknownAccount,
		distribution.CodePoolNotFound:
		status = http.StatusNotFound
	case ledger.CodeInsufficientBalance, distribution.CodeRunConflict,
		distribution.CodeRunNotRunnable:
		status = http.StatusConflict
	case ledger.CodeLedgerHalted:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Code: string(code), Message: err.Error()})
}
