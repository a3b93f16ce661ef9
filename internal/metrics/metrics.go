// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン結果のラベル値
const (
	LoginSuccess = "success"
	LoginFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、レート制限、ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(result string)
	RecordRegistration()
	RecordSessionsIssued(count int)
	RecordSessionsRevoked(count int64)
	RecordTokenConsumption(purpose string, ok bool)
	ObserveRateLimit(policy string, allowed bool)
	RecordHTTPStatus(statusCode int)
	RecordCleanup(sessions, tokens int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins           *prometheus.CounterVec
	registrations    prometheus.Counter
	sessionsIssued   prometheus.Counter
	sessionsRevoked  prometheus.Counter
	tokenConsumption *prometheus.CounterVec
	rateLimit        *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	cleanupDeleted   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notekeep_auth_logins_total",
			Help: "結果別のログイン試行数",
		}, []string{"result"}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notekeep_auth_registrations_total",
			Help: "新規登録の合計数",
		}),
		sessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notekeep_auth_sessions_issued_total",
			Help: "発行したセッションの合計数",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notekeep_auth_sessions_revoked_total",
			Help: "失効させたセッションの合計数",
		}),
		tokenConsumption: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notekeep_auth_token_consumption_total",
			Help: "用途・結果別の単回使用トークン消費数",
		}, []string{"purpose", "result"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notekeep_rate_limit_decisions_total",
			Help: "ポリシー・判定別のレート制限判定数",
		}, []string{"policy", "decision"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notekeep_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notekeep_cleanup_deleted_total",
			Help: "クリーンアップで削除したレコード数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.logins,
		c.registrations,
		c.sessionsIssued,
		c.sessionsRevoked,
		c.tokenConsumption,
		c.rateLimit,
		c.httpStatus,
		c.cleanupDeleted,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordRegistration は新規登録を記録する。
func (c *Collector) RecordRegistration() {
	c.registrations.Inc()
}

// RecordSessionsIssued は発行したセッション数を記録する。
func (c *Collector) RecordSessionsIssued(count int) {
	c.sessionsIssued.Add(float64(count))
}

// RecordSessionsRevoked は失効させたセッション数を記録する。
func (c *Collector) RecordSessionsRevoked(count int64) {
	if count <= 0 {
		return
	}
	c.sessionsRevoked.Add(float64(count))
}

// RecordTokenConsumption は単回使用トークンの消費結果を記録する。
func (c *Collector) RecordTokenConsumption(purpose string, ok bool) {
	result := "consumed"
	if !ok {
		result = "rejected"
	}
	c.tokenConsumption.WithLabelValues(purpose, result).Inc()
}

// ObserveRateLimit はレート制限の判定を記録する。ratelimit.Observerを満たす。
func (c *Collector) ObserveRateLimit(policy string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "blocked"
	}
	c.rateLimit.WithLabelValues(policy, decision).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCleanup はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordCleanup(sessions, tokens int64) {
	c.cleanupDeleted.WithLabelValues("sessions").Add(float64(sessions))
	c.cleanupDeleted.WithLabelValues("tokens").Add(float64(tokens))
}

// NopCollector は何も記録しないMetricsCollector。メトリクス無効時とテストで使用する。
type NopCollector struct{}

func (NopCollector) RecordLogin(string) {}
func (NopCollector) RecordRegistration() {}
func (NopCollector) RecordSessionsIssued(int) {}
func (NopCollector) RecordSessionsRevoked(int64) {}
func (NopCollector) RecordTokenConsumption(string, bool) {}
func (NopCollector) ObserveRateLimit(string, bool) {}
func (NopCollector) RecordHTTPStatus(int) {}
func (NopCollector) RecordCleanup(int64, int64) {}

// Middleware はレスポンスのステータスコードを記録するミドルウェアを返す。
func (c *Collector) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.RecordHTTPStatus(sw.status)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
