package idempotency

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"openledger/pkg/errutil"
	"openledger/pkg/middleware"
	"openledger/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// HeaderKey and HeaderAltKey both carry the client idempotency key on
	// requests; HeaderKey wins when both are present. Responses echo the
	// key under HeaderAltKey.
	HeaderKey      = "Idempotency-Key"
	HeaderAltKey   = "X-Idempotency-Key"
	HeaderReplayed = "X-Idempotency-Replayed"
)

// Guard replays completed mutating requests. Every guarded request must
// carry an idempotency key. A request carrying a known
// (key, endpoint) pair with a byte-equal compacted payload gets the stored
// response back; the same pair with a different payload is a conflict.
// Responses with 5xx status are never stored, so those requests stay
// retryable.
type Guard struct {
	node    *snowflake.Node
	records repository.Repository[Record]
}

type GuardParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewGuard(p GuardParams) *Guard {
	return &Guard{
		node:    p.Node,
		records: repository.ProvideStore[Record](p.DB),
	}
}

func (g *Guard) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" {
			key = c.GetHeader(HeaderAltKey)
		}
		if key == "" {
			c.Error(errutil.BadRequest("missing idempotency key header", nil))
			middleware.Render(c)
			c.Abort()
			return
		}
		c.Header(HeaderAltKey, key)

		ctx := c.Request.Context()
		endpoint := c.Request.Method + " " + c.Request.URL.Path

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Error(errutil.BadRequest("read request body", err))
			middleware.Render(c)
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		payload := compactJSON(body)

		existing, err := g.records.FindOne(ctx, &Record{Key: key, Endpoint: endpoint})
		if err != nil {
			c.Error(errutil.Internal("lookup idempotency record", err))
			middleware.Render(c)
			c.Abort()
			return
		}
		if existing != nil {
			// Compacted bytes keep key order and array order significant:
			// the same fields in a different order is a different request.
			if !bytes.Equal(compactJSON(existing.RequestPayload), payload) {
				c.Error(errutil.Conflict("idempotency key reused with a different payload", nil))
				middleware.Render(c)
				c.Abort()
				return
			}
			c.Header(HeaderReplayed, "true")
			c.Data(existing.StatusCode, "application/json; charset=utf-8", existing.ResponsePayload)
			c.Abort()
			return
		}

		c.Header(HeaderReplayed, "false")
		capture := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = capture

		c.Next()
		// Render inside the guard so error bodies are captured and replays
		// return the same body the first caller saw.
		middleware.Render(c)

		status := capture.Status()
		if status >= http.StatusInternalServerError {
			return
		}

		record := &Record{
			ID:              g.node.Generate().String(),
			Key:             key,
			Endpoint:        endpoint,
			RequestPayload:  datatypes.JSON(payload),
			ResponsePayload: datatypes.JSON(capture.body.Bytes()),
			StatusCode:      status,
		}
		if err := g.records.Create(ctx, record); err != nil {
			// A racing request with the same key may have inserted first;
			// the stored winner is authoritative either way.
			zap.L().Warn("store idempotency record failed",
				zap.String("key", key),
				zap.String("endpoint", endpoint),
				zap.Error(err))
		}
	}
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func compactJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
