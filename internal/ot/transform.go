package ot

// transformPair adjusts op so that it applies correctly against text
// that already has peer applied. It never mutates op or peer; it
// returns a new Operation value. This implements the pairwise rule
// table from spec §4.1.
func transformPair(op, peer Operation) Operation {
	result := op.clone()

	switch op.Type {
	case OpInsert:
		switch peer.Type {
		case OpInsert:
			// Insert / Insert: shift if peer landed strictly before op,
			// or at the same position with a lower authorId (tie-break
			// required for convergence and commutativity).
			if peer.Position < op.Position || (peer.Position == op.Position && peer.AuthorID < op.AuthorID) {
				result.Position = op.Position + peer.CodepointLen()
			}
		case OpDelete:
			// Insert / Delete
			peerEnd := peer.Position + peer.Length
			switch {
			case peerEnd <= op.Position:
				result.Position = op.Position - peer.Length
			case peer.Position >= op.Position:
				// unchanged
			default:
				result.Position = peer.Position
			}
		}
	case OpDelete:
		switch peer.Type {
		case OpInsert:
			// Delete / Insert
			opEnd := op.Position + op.Length
			switch {
			case peer.Position <= op.Position:
				result.Position = op.Position + peer.CodepointLen()
			case peer.Position >= opEnd:
				// unchanged
			default:
				// inserted text falls inside the deletion range
				result.Length = op.Length + peer.CodepointLen()
			}
		case OpDelete:
			// Delete / Delete: shrink op.Length by the overlap with peer
			// and shift op.Position to the portion not already removed.
			opStart, opEnd := op.Position, op.Position+op.Length
			peerStart, peerEnd := peer.Position, peer.Position+peer.Length

			overlapStart := max(opStart, peerStart)
			overlapEnd := min(opEnd, peerEnd)
			overlap := overlapEnd - overlapStart
			if overlap < 0 {
				overlap = 0
			}

			newLength := op.Length - overlap
			if newLength < 0 {
				newLength = 0
			}

			newPosition := op.Position
			if peer.Position < op.Position {
				shift := min(peer.Length, op.Position-peer.Position)
				newPosition = op.Position - shift
			}

			result.Position = newPosition
			result.Length = newLength
		}
	}

	return result
}

// transformAgainstOperations folds transformPair left-to-right over
// concurrent, producing a new Operation value whose Position/Length
// are correct against the current text. It never mutates its
// arguments. An empty concurrent list returns op unchanged (by value).
func transformAgainstOperations(op Operation, concurrent []Operation) Operation {
	result := op.clone()
	for _, peer := range concurrent {
		result = transformPair(result, peer)
	}
	return result
}

// TransformAgainstOperations is the exported form of the contract
// described in spec §4.1.
func TransformAgainstOperations(op Operation, concurrent []Operation) Operation {
	return transformAgainstOperations(op, concurrent)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
