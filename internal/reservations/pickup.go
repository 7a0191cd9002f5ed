package reservations

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/guildhall/backend/internal/registrations"
)

// PickupAlphabet avoids characters that read alike (0/O, 1/I).
const PickupAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeGenerator returns a candidate pickup code.
type CodeGenerator func() (string, error)

// RandomCodes returns a generator of uniformly random codes of length n.
func RandomCodes(n int) CodeGenerator {
	size := big.NewInt(int64(len(PickupAlphabet)))
	return func() (string, error) {
		b := make([]byte, n)
		for i := range b {
			k, err := rand.Int(rand.Reader, size)
			if err != nil {
				return "", fmt.Errorf("read random: %w", err)
			}
			b[i] = PickupAlphabet[k.Int64()]
		}
		return string(b), nil
	}
}

// uniquePickupCode draws codes until one is free among live registrations.
// The store holds a free code for the transaction, so it stays free until commit.
func uniquePickupCode(ctx context.Context, tx registrations.Tx, gen CodeGenerator, attempts int) (string, error) {
	for i := 0; i < attempts; i++ {
		code, err := gen()
		if err != nil {
			return "", err
		}
		taken, err := tx.PickupCodeTaken(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrPickupCodeExhausted
}
