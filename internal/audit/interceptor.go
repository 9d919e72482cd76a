package audit

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mssola/useragent"

	"careledger/pkg/requestcontext"
)

// resourcePrefixes maps known path segments to resource types. Inference
// walks the path left to right and takes the first recognized prefix; the
// segment that follows it, if any, is the resource ID.
var resourcePrefixes = map[string]ResourceType{
	"records":       ResourceRecord,
	"patients":      ResourcePatient,
	"users":         ResourceUser,
	"access-grants": ResourceAccessGrant,
	"appointments":  ResourceAppointment,
	"prescriptions": ResourcePrescription,
	"lab-results":   ResourceLabResult,
	"imaging":       ResourceImaging,
}

// Interceptor wraps an inbound request/response cycle and emits exactly one
// audit record after completion, on success and failure alike. The record is
// submitted from a deferred function so a panicking handler still leaves its
// record before the panic continues to the recovery middleware upstream.
// Submission is fire-and-forget relative to the response being returned.
func Interceptor(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				panicked := recover()

				ctx := r.Context()
				status := ww.Status()
				switch {
				case panicked != nil:
					status = http.StatusInternalServerError
				case status == 0:
					status = http.StatusOK
				}
				success := status < http.StatusBadRequest

				action := methodAction(r.Method)
				if !success {
					// Failed calls are logged as denied access regardless of verb.
					action = ActionAccessDenied
				}

				resourceType, resourceID := inferResource(r)

				md := Metadata{
					"method":     r.Method,
					"path":       r.URL.Path,
					"statusCode": status,
					"durationMs": time.Since(start).Milliseconds(),
					"success":    success,
				}
				if success {
					md["responseSize"] = ww.BytesWritten()
				} else {
					md["error"] = http.StatusText(status)
				}
				if ua := requestcontext.UserAgent(ctx); ua != "" {
					parsed := useragent.New(ua)
					name, version := parsed.Browser()
					if name != "" {
						md["browser"] = name + " " + version
					}
					if os := parsed.OS(); os != "" {
						md["os"] = os
					}
				}

				svc.Log(ctx, Entry{
					ActorID:       requestcontext.ActorID(ctx),
					Action:        action,
					ResourceID:    resourceID,
					ResourceType:  resourceType,
					SourceAddress: requestcontext.ClientIP(ctx),
					AgentString:   requestcontext.UserAgent(ctx),
					Metadata:      md,
				})

				if panicked != nil {
					panic(panicked)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// methodAction maps HTTP verbs onto record actions.
func methodAction(method string) Action {
	switch method {
	case http.MethodPost:
		return ActionRecordCreate
	case http.MethodPut, http.MethodPatch:
		return ActionRecordUpdate
	case http.MethodDelete:
		return ActionRecordDelete
	default:
		return ActionRecordRead
	}
}

// inferResource extracts resource type and ID from the request path, falling
// back to an "id" query parameter and finally to the unknown sentinel.
func inferResource(r *http.Request) (ResourceType, string) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, seg := range segments {
		rt, ok := resourcePrefixes[seg]
		if !ok {
			continue
		}
		if i+1 < len(segments) && segments[i+1] != "" {
			return rt, segments[i+1]
		}
		if id := r.URL.Query().Get("id"); id != "" {
			return rt, id
		}
		return rt, ResourceUnknown
	}

	if id := r.URL.Query().Get("id"); id != "" {
		return ResourceRecord, id
	}
	return ResourceRecord, ResourceUnknown
}
