package fragment

import "errors"

var (
	// ErrTooManyFragments is returned by Create when total exceeds the bitmap
	// capacity the ACK codec can represent (64 fragments).
	ErrTooManyFragments = errors.New("fragment: total_fragments exceeds 64-fragment bitmap capacity")

	// ErrNoFragments is returned by Create when total is zero.
	ErrNoFragments = errors.New("fragment: total_fragments must be at least 1")

	// ErrUnknownFragment is returned by Add when fragment_id is out of range
	// for the tracker's total_fragments.
	ErrUnknownFragment = errors.New("fragment: fragment_id out of range for tracker")

	// ErrDuplicateFragment is returned by Add when fragment_id was already added.
	ErrDuplicateFragment = errors.New("fragment: fragment_id already added to tracker")
)
