package model

import "time"

// PurchaseState is the externally visible lifecycle of a purchase.
type PurchaseState string

const (
	PurchaseProcessing PurchaseState = "processing"
	PurchaseQueued     PurchaseState = "queued"
	PurchaseApplied    PurchaseState = "applied"
	PurchaseError      PurchaseState = "error"
)

// PurchaseStatus is the row the storefront reads to follow a purchase.
type PurchaseStatus struct {
	PurchaseID string        `json:"purchase_id" bson:"purchase_id"`
	Status     PurchaseState `json:"status" bson:"status"`
	Message    string        `json:"message" bson:"message"`
	UpdatedAt  time.Time     `json:"updated_at" bson:"updated_at"`
}
