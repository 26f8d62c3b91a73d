package api

import "github.com/go-chi/chi/v5"

// Routes registers the /api/v1 endpoints on r.
func (s *Service) Routes(r chi.Router) {
	// Sell orders.
	r.Post("/orders", s.CreateOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)
	r.Post("/orders/{orderID}/settle-full", s.SettleFull)
	r.Post("/orders/{orderID}/settle-payment", s.SettlePayment)

	// Share queues, reference prices and per-share protection.
	r.Get("/shares/{shareID}/queue", s.GetQueue)
	r.Put("/shares/{shareID}/price", s.SetPrice)
	r.Get("/shares/{shareID}/protection", s.GetProtection)
	r.Put("/shares/{shareID}/protection", s.PutProtection)

	// Global protection default and kill-switch.
	r.Get("/protection", s.GetProtection)
	r.Put("/protection", s.PutProtection)
	r.Post("/protection/halt", s.Halt)

	// Settlement runs and audit trail.
	r.Post("/settlements/selected", s.SettleSelected)
	r.Post("/settlements/auto", s.SettleAuto)
	r.Get("/settlements", s.ListSettlements)
	r.Get("/settlements/{batchID}", s.GetSettlement)

	// Fund administration.
	r.Get("/funds", s.ListFunds)
	r.Post("/funds/transfer", s.TransferFunds)
	r.Get("/funds/{fundID}/{currency}", s.GetFund)
	r.Post("/funds/{fundID}/credit", s.CreditFund)
}
