package claude

import "github.com/oklog/ulid/v2"

// newRequestID mints a request_id for an outbound control_request.
func newRequestID() string { return ulid.Make().String() }

// newCallbackID mints a callback_id for a registered hook or permission callback.
func newCallbackID() string { return ulid.Make().String() }

// newSubscriberRef mints an opaque reference for a control-client subscriber.
func newSubscriberRef() string { return ulid.Make().String() }
