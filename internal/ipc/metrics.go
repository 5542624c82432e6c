package ipc

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/winrun/winrun/internal/ratelimit"
	"github.com/winrun/winrun/internal/router"
)

// Metrics collects Prometheus-compatible counters for the IPC surface.
type Metrics struct {
	requestsTotal sync.Map // "op:outcome" -> *atomic.Int64
	activeConns   atomic.Int32
	throttled     atomic.Int64
	authRejected  atomic.Int64

	routerMetrics  func() router.Metrics
	limiterMetrics func() ratelimit.Metrics
}

// NewMetrics creates a collector. The router and limiter providers may
// be nil.
func NewMetrics(routerMetrics func() router.Metrics, limiterMetrics func() ratelimit.Metrics) *Metrics {
	return &Metrics{routerMetrics: routerMetrics, limiterMetrics: limiterMetrics}
}

func (m *Metrics) recordRequest(op uint8, outcome string) {
	key := fmt.Sprintf("%s:%s", opName(op), outcome)
	counter, _ := m.requestsTotal.LoadOrStore(key, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)
}

func (m *Metrics) connOpened() { m.activeConns.Add(1) }
func (m *Metrics) connClosed() { m.activeConns.Add(-1) }

// Prometheus renders the text exposition.
func (m *Metrics) Prometheus() string {
	var b strings.Builder

	b.WriteString("# HELP winrund_ipc_requests_total Total IPC requests by operation and outcome.\n")
	b.WriteString("# TYPE winrund_ipc_requests_total counter\n")
	m.requestsTotal.Range(func(key, value interface{}) bool {
		parts := strings.SplitN(key.(string), ":", 2)
		count := value.(*atomic.Int64).Load()
		fmt.Fprintf(&b, "winrund_ipc_requests_total{op=%q,outcome=%q} %d\n", parts[0], parts[1], count)
		return true
	})

	b.WriteString("# HELP winrund_ipc_connections_active Currently connected IPC clients.\n")
	b.WriteString("# TYPE winrund_ipc_connections_active gauge\n")
	fmt.Fprintf(&b, "winrund_ipc_connections_active %d\n", m.activeConns.Load())

	b.WriteString("# HELP winrund_ipc_throttled_total Requests rejected by the rate limiter.\n")
	b.WriteString("# TYPE winrund_ipc_throttled_total counter\n")
	fmt.Fprintf(&b, "winrund_ipc_throttled_total %d\n", m.throttled.Load())

	b.WriteString("# HELP winrund_ipc_auth_rejected_total Connections rejected by authentication.\n")
	b.WriteString("# TYPE winrund_ipc_auth_rejected_total counter\n")
	fmt.Fprintf(&b, "winrund_ipc_auth_rejected_total %d\n", m.authRejected.Load())

	if m.routerMetrics != nil {
		rm := m.routerMetrics()
		b.WriteString("# HELP winrund_router_streams Registered window streams.\n")
		b.WriteString("# TYPE winrund_router_streams gauge\n")
		fmt.Fprintf(&b, "winrund_router_streams %d\n", rm.RegisteredStreams)

		b.WriteString("# HELP winrund_router_buffers Tracked per-window buffers.\n")
		b.WriteString("# TYPE winrund_router_buffers gauge\n")
		fmt.Fprintf(&b, "winrund_router_buffers %d\n", rm.TrackedBuffers)

		b.WriteString("# HELP winrund_router_dropped_frame_ready_total FrameReady notifications with no destination.\n")
		b.WriteString("# TYPE winrund_router_dropped_frame_ready_total counter\n")
		fmt.Fprintf(&b, "winrund_router_dropped_frame_ready_total %d\n", rm.DroppedFrameReady)

		b.WriteString("# HELP winrund_router_rejected_buffers_total Buffer descriptors that failed validation.\n")
		b.WriteString("# TYPE winrund_router_rejected_buffers_total counter\n")
		fmt.Fprintf(&b, "winrund_router_rejected_buffers_total %d\n", rm.RejectedBuffers)
	}

	if m.limiterMetrics != nil {
		lm := m.limiterMetrics()
		b.WriteString("# HELP winrund_ratelimit_clients Active rate-limiter buckets.\n")
		b.WriteString("# TYPE winrund_ratelimit_clients gauge\n")
		fmt.Fprintf(&b, "winrund_ratelimit_clients %d\n", lm.ActiveClients)

		b.WriteString("# HELP winrund_ratelimit_cooldown_clients Clients currently in cooldown.\n")
		b.WriteString("# TYPE winrund_ratelimit_cooldown_clients gauge\n")
		fmt.Fprintf(&b, "winrund_ratelimit_cooldown_clients %d\n", lm.ClientsInCooldown)
	}

	b.WriteString("# HELP winrund_go_goroutines Number of goroutines.\n")
	b.WriteString("# TYPE winrund_go_goroutines gauge\n")
	fmt.Fprintf(&b, "winrund_go_goroutines %d\n", runtime.NumGoroutine())

	return b.String()
}

// opName maps operations to metric labels.
func opName(op uint8) string {
	switch op {
	case OpVMStatus:
		return "vmStatus"
	case OpLaunchProgram:
		return "launchProgram"
	case OpListSessions:
		return "listSessions"
	case OpCloseSession:
		return "closeSession"
	case OpListShortcuts:
		return "listShortcuts"
	case OpSyncShortcuts:
		return "syncShortcuts"
	case OpStartProvisioning:
		return "startProvisioning"
	case OpCancelProvisioning:
		return "cancelProvisioning"
	case OpRollbackProvisioning:
		return "rollbackProvisioning"
	case OpMetrics:
		return "metrics"
	default:
		return fmt.Sprintf("op0x%02x", op)
	}
}
