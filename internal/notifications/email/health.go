package email

import "context"

// DeliveryCheck reports on /health whether any mail backend is configured.
type DeliveryCheck struct {
	Dispatcher *Dispatcher
}

func (p DeliveryCheck) Name() string {
	return "email_delivery"
}

// Check fails with ErrUnconfigured when no backend can deliver. It makes no
// network call.
func (p DeliveryCheck) Check(context.Context) error {
	if p.Dispatcher.ActiveBackend() == BackendNone {
		return ErrUnconfigured
	}
	return nil
}
