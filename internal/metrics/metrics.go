package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_upstream_requests_total",
		Help: "Total number of requests forwarded to the RAG service",
	}, []string{"endpoint", "status"})
	ChatUpserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_upserts_total",
		Help: "Chat rows written, split by create vs update",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(HttpRequestsTotal, HttpRequestDuration, UpstreamRequestsTotal, ChatUpserts)
}

// ObserveUpstream 记录一次 RAG 转发的结果状态。
func ObserveUpstream(endpoint string, status int) {
	UpstreamRequestsTotal.With(prometheus.Labels{"endpoint": endpoint, "status": strconv.Itoa(status)}).Inc()
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
