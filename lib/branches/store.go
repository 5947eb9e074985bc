// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package branches stores conversation branches as append-only turn
// sequences keyed by ID. Each turn carries the continuation handle produced
// when its response was decoded.
package branches

import (
	"fmt"
	"math"
	"slices"
)

// ID identifies a branch. IDs are allocated in increasing order and are
// never reused.
type ID uint32

// String renders the ID the way it is shown in the conversation tree.
func (id ID) String() string {
	return fmt.Sprintf("branch_%d", id)
}

// Turn is one request/response exchange on a branch.
type Turn[H any] struct {
	Request  string `json:"request"`
	Response string `json:"response"`
	// Handle is the opaque continuation state returned by the decoder for
	// this turn. It is immutable once stored.
	Handle H `json:"-"`
}

// Summary describes a branch without exposing its handles.
type Summary struct {
	ID    ID  `json:"id"`
	Turns int `json:"turns"`
}

type branch[H any] struct {
	turns []Turn[H]
}

// Store holds every branch of a conversation plus the pointer to the branch
// currently being extended. The zero value is ready to use.
//
// Store is not safe for concurrent use; callers serialize access.
type Store[H any] struct {
	branches map[ID]*branch[H]
	// ids holds the allocated IDs in ascending order.
	ids []ID
	// next is one past the largest ID allocated so far. It reaches
	// math.MaxUint32+1 once the top ID is taken.
	next       uint64
	current    ID
	hasCurrent bool
}

// New returns an empty store.
func New[H any]() *Store[H] {
	return &Store[H]{}
}

// CreateBranch allocates a fresh branch with no turns and returns its ID.
// IDs normally grow past the largest one seen. Once the top of the ID range
// is taken, the lowest ID never allocated is used instead.
func (s *Store[H]) CreateBranch() ID {
	var id ID
	if s.next <= math.MaxUint32 {
		id = ID(s.next)
	} else {
		id = s.lowestFree()
	}
	s.insert(id, &branch[H]{})
	return id
}

// AppendTurn appends a turn to the branch. An unknown ID is allocated on
// the fly; CreateBranch never hands out an ID below it afterwards unless
// the ID range is exhausted.
func (s *Store[H]) AppendTurn(id ID, request, response string, handle H) {
	b := s.branch(id)
	if b == nil {
		b = &branch[H]{}
		s.insert(id, b)
	}
	b.turns = append(b.turns, Turn[H]{
		Request:  request,
		Response: response,
		Handle:   handle,
	})
}

// LastTurn returns the most recent turn of the branch. ok is false when the
// branch does not exist or has no turns.
func (s *Store[H]) LastTurn(id ID) (turn Turn[H], ok bool) {
	b := s.branch(id)
	if b == nil || len(b.turns) == 0 {
		return turn, false
	}
	return b.turns[len(b.turns)-1], true
}

// LastHandle returns the handle of the most recent turn of the branch.
func (s *Store[H]) LastHandle(id ID) (handle H, ok bool) {
	turn, ok := s.LastTurn(id)
	if !ok {
		return handle, false
	}
	return turn.Handle, true
}

// Turns returns a copy of the branch's turns in append order.
func (s *Store[H]) Turns(id ID) []Turn[H] {
	b := s.branch(id)
	if b == nil {
		return nil
	}
	out := make([]Turn[H], len(b.turns))
	copy(out, b.turns)
	return out
}

// Exists reports whether the branch has been allocated.
func (s *Store[H]) Exists(id ID) bool {
	return s.branch(id) != nil
}

// Branches lists every allocated branch in ID order.
func (s *Store[H]) Branches() []Summary {
	out := make([]Summary, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, Summary{ID: id, Turns: len(s.branches[id].turns)})
	}
	return out
}

// Len returns the number of allocated branches.
func (s *Store[H]) Len() int {
	return len(s.ids)
}

// Current returns the branch new requests extend by default.
func (s *Store[H]) Current() (ID, bool) {
	return s.current, s.hasCurrent
}

// SetCurrent makes id the current branch.
func (s *Store[H]) SetCurrent(id ID) {
	s.current = id
	s.hasCurrent = true
}

func (s *Store[H]) branch(id ID) *branch[H] {
	return s.branches[id]
}

func (s *Store[H]) insert(id ID, b *branch[H]) {
	if s.branches == nil {
		s.branches = make(map[ID]*branch[H])
	}
	s.branches[id] = b
	if n := len(s.ids); n == 0 || s.ids[n-1] < id {
		s.ids = append(s.ids, id)
	} else {
		i, _ := slices.BinarySearch(s.ids, id)
		s.ids = slices.Insert(s.ids, i, id)
	}
	if uint64(id) >= s.next {
		s.next = uint64(id) + 1
	}
}

// lowestFree returns the smallest ID not in ids. The store cannot hold
// every uint32 ID, so a gap always exists.
func (s *Store[H]) lowestFree() ID {
	var want ID
	for _, id := range s.ids {
		if id != want {
			break
		}
		want++
	}
	return want
}
