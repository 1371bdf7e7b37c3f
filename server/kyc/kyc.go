// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package kyc provides the account directory consulted for KYC levels and the
// per-level offer limits. Identity verification happens elsewhere. The
// directory only reports the level recorded on the account.
package kyc

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/loan"
)

// Directory reports an account's KYC level.
type Directory interface {
	KYCLevel(ctx context.Context, aid account.AccountID) (account.KYCLevel, error)
}

// StoreDirectory reads the KYC level recorded on the stored account.
type StoreDirectory struct {
	Store db.AccountArchiver
}

// KYCLevel retrieves the account's level. An unknown account is
// loan.ErrNotFound.
func (d *StoreDirectory) KYCLevel(ctx context.Context, aid account.AccountID) (account.KYCLevel, error) {
	acct, err := d.Store.Account(ctx, aid)
	if err != nil {
		return 0, db.LoanError(err)
	}
	return acct.KYCLevel, nil
}

// Limits is the largest offer amount, in atoms, permitted at each KYC level.
// A level that is not listed may not create offers.
type Limits map[account.KYCLevel]uint64

// Check returns loan.ErrUnauthorized if amt exceeds the level's limit.
func (l Limits) Check(level account.KYCLevel, amt uint64) error {
	limit, found := l[level]
	if !found {
		return dex.Errorf(loan.ErrUnauthorized, "KYC level %d may not create offers", level)
	}
	if amt > limit {
		return dex.Errorf(loan.ErrUnauthorized, "amount %d exceeds the KYC level %d limit of %d", amt, level, limit)
	}
	return nil
}

// String is the ParseLimits form of the limits, ordered by level.
func (l Limits) String() string {
	levels := make([]int, 0, len(l))
	for lvl := range l {
		levels = append(levels, int(lvl))
	}
	sort.Ints(levels)
	parts := make([]string, 0, len(levels))
	for _, lvl := range levels {
		parts = append(parts, fmt.Sprintf("%d:%d", lvl, l[account.KYCLevel(lvl)]))
	}
	return strings.Join(parts, ",")
}

// ParseLimits parses a comma-separated list of level:limit pairs, e.g.
// "1:100000,2:10000000".
func ParseLimits(s string) (Limits, error) {
	limits := make(Limits)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lvlStr, limitStr, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("invalid KYC limit %q, expected level:limit", part)
		}
		lvl, err := strconv.ParseUint(strings.TrimSpace(lvlStr), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid KYC level %q: %w", lvlStr, err)
		}
		limit, err := strconv.ParseUint(strings.TrimSpace(limitStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid KYC limit %q: %w", limitStr, err)
		}
		if _, dup := limits[account.KYCLevel(lvl)]; dup {
			return nil, fmt.Errorf("duplicate KYC level %d", lvl)
		}
		limits[account.KYCLevel(lvl)] = limit
	}
	return limits, nil
}
