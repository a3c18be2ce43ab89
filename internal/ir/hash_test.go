package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationKeyIsStable(t *testing.T) {
	op := Operation{
		ID:         "op-1",
		EntityType: EntityInventory,
		EntityID:   "inv-1",
		Kind:       KindUpdate,
		Payload:    IRObject{"quantity": IRInt(4), "name": IRString("Cola")},
	}

	a, err := OperationKey(op)
	require.NoError(t, err)

	// same content, different map construction order
	op.Payload = IRObject{"name": IRString("Cola"), "quantity": IRInt(4)}
	b, err := OperationKey(op)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestOperationKeyIgnoresQueueBookkeeping(t *testing.T) {
	op := Operation{ID: "op-1", EntityType: EntitySales, EntityID: "s-1", Kind: KindCreate}
	a, err := OperationKey(op)
	require.NoError(t, err)

	op.Attempts = 7
	op.Status = StatusFailed
	op.Seq = 99
	b, err := OperationKey(op)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestOperationKeyDiffersByID(t *testing.T) {
	a, err := OperationKey(Operation{ID: "op-1", EntityType: "x", Kind: KindDelete})
	require.NoError(t, err)
	b, err := OperationKey(Operation{ID: "op-2", EntityType: "x", Kind: KindDelete})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOperationKeyRejectsNullPayload(t *testing.T) {
	_, err := OperationKey(Operation{ID: "op-1", Payload: IRObject{"a": IRNull{}}})
	assert.Error(t, err)
}

func TestHashWithDomainSeparatesDomains(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain(DomainOperation, data), hashWithDomain(DomainSale, data))
}

func TestSaleFingerprint(t *testing.T) {
	items := []SaleItem{{InventoryID: "inv-1", Quantity: 2, UnitPrice: 150}}
	a, err := SaleFingerprint(items)
	require.NoError(t, err)
	b, err := SaleFingerprint([]SaleItem{{InventoryID: "inv-1", Quantity: 2, UnitPrice: 150}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
