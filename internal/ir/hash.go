package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room to
// change the algorithm without colliding with stored keys.
const (
	DomainOperation = "tillsync/operation/v1"
	DomainSale      = "tillsync/sale/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// OperationKey computes the idempotency key stored with every queued
// operation. The operation ID is part of the hash so two identical edits
// made at different times stay distinct.
func OperationKey(op Operation) (string, error) {
	obj := IRObject{
		"id":          IRString(op.ID),
		"entity_type": IRString(op.EntityType),
		"entity_id":   IRString(op.EntityID),
		"kind":        IRString(string(op.Kind)),
		"action":      IRString(op.Action),
	}
	if op.Payload != nil {
		obj["payload"] = op.Payload
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("operation key: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}

// SaleFingerprint hashes a sale's line items. Two sales with the same lines
// in the same order share a fingerprint; it is logged, never used for dedup.
func SaleFingerprint(items []SaleItem) (string, error) {
	arr := make(IRArray, len(items))
	for i, item := range items {
		arr[i] = item.ToIR()
	}
	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("sale fingerprint: %w", err)
	}
	return hashWithDomain(DomainSale, canonical), nil
}
