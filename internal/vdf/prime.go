package vdf

import "math/big"

// millerRabinRounds is the number of fixed-base rounds used for the
// challenge prime. 40 rounds bound the error well below 2^-80 and, with
// fixed bases, keep prover and verifier in exact agreement.
const millerRabinRounds = 40

// millerRabinBases are the first 40 primes, used as deterministic witnesses.
var millerRabinBases = [millerRabinRounds]int64{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29,
	31, 37, 41, 43, 47, 53, 59, 61, 67, 71,
	73, 79, 83, 89, 97, 101, 103, 107, 109, 113,
	127, 131, 137, 139, 149, 151, 157, 163, 167, 173,
}

// isProbablePrime runs a deterministic-base Miller-Rabin test.
func isProbablePrime(n *big.Int) bool {
	if n.Cmp(two) < 0 {
		return false
	}
	if n.Cmp(two) == 0 || n.Cmp(big.NewInt(3)) == 0 {
		return true
	}
	if n.Bit(0) == 0 {
		return false
	}

	// Write n-1 as 2^s * d with d odd.
	nMinus1 := new(big.Int).Sub(n, one)
	d := new(big.Int).Set(nMinus1)
	s := 0
	for d.Bit(0) == 0 {
		d.Rsh(d, 1)
		s++
	}

	x := new(big.Int)
witness:
	for _, base := range millerRabinBases {
		a := big.NewInt(base)
		if a.Cmp(nMinus1) >= 0 {
			continue
		}

		x.Exp(a, d, n)
		if x.Cmp(one) == 0 || x.Cmp(nMinus1) == 0 {
			continue
		}

		for i := 0; i < s-1; i++ {
			x.Exp(x, two, n)
			if x.Cmp(nMinus1) == 0 {
				continue witness
			}
		}
		return false
	}
	return true
}
