package tools

import (
	"context"
	"strings"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/omnitrace"
)

// Defaults returns a registry populated with the demo tool set. Every
// handler is a deterministic stub: same input, same output, no I/O. They
// give submit/test runs and the scenario suite real tools to execute without
// external services.
func Defaults() *Registry {
	r := NewRegistry()
	register := func(name string, h Handler) {
		// Registration of the built-in set cannot collide.
		_ = r.Register(name, h)
	}

	register("search_database", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{
			"rows": []any{
				map[string]any{"id": "row-1", "match": input["query"]},
				map[string]any{"id": "row-2", "match": input["query"]},
			},
			"count": 2,
		}, nil
	})

	register("search_flights", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{
			"flights": []any{
				map[string]any{"flight_id": "FL-100", "price": 450.0},
				map[string]any{"flight_id": "FL-200", "price": 510.0},
			},
			"destination": input["destination"],
		}, nil
	})

	register("book_flight", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{
			"booking_id": "BK-" + strings.ToUpper(omnitrace.ComputeHash(input, 6)),
			"status":     "confirmed",
		}, nil
	})

	register("cancel_flight", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"cancelled": true, "booking_id": input["booking_id"]}, nil
	})

	register("send_email", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{
			"status":     "sent",
			"message_id": "MSG-" + omnitrace.ComputeHash(input, 8),
			"to":         input["to"],
		}, nil
	})

	register("call_webhook", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"status": "delivered", "code": 200, "url": input["url"]}, nil
	})

	register("create_record", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{
			"created":   true,
			"record_id": "REC-" + omnitrace.ComputeHash(input, 8),
		}, nil
	})

	register("delete_record", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"deleted": true, "record_id": input["record_id"]}, nil
	})

	register("undo_delete", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"restored": true, "record_id": input["record_id"]}, nil
	})

	register("update_user", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"updated": true, "user_id": input["user_id"]}, nil
	})

	register("delete_user", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"deleted": true, "user_id": input["user_id"]}, nil
	})

	register("change_permissions", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"applied": true, "user_id": input["user_id"], "role": input["role"]}, nil
	})

	register("process_refund", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{
			"refunded":  true,
			"refund_id": "RF-" + omnitrace.ComputeHash(input, 8),
			"amount":    input["amount"],
		}, nil
	})

	register("generic_action", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"status": "ok", "echo": input}, nil
	})

	return r
}
