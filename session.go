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

// Package branchwise manages a branching conversation with a language model.
// Each request either continues the current branch, reusing the model's
// continuation state, or starts a fresh branch decoded from scratch.
package branchwise

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dovinmu/branchwise/lib/branches"
	"github.com/dovinmu/branchwise/lib/decode"
	"github.com/dovinmu/branchwise/lib/scaffolding"
	"go.uber.org/zap"
)

// ErrSessionEnded is returned when the request asks to end the session.
var ErrSessionEnded = errors.New("session ended")

// exitCommand ends the session, compared case-insensitively.
const exitCommand = "exit"

// Decision values recorded for each request.
const (
	DecisionFirst    = "first"
	DecisionContinue = "continue"
	DecisionNew      = "new"
)

// Scorer rates how much a request depends on the previous turn.
type Scorer interface {
	Score(ctx context.Context, request string, last scaffolding.Context) (scaffolding.Result, error)
	IsContinuation(score float64) bool
}

// Responder decodes responses.
type Responder interface {
	Cold(ctx context.Context, request string) (*decode.Response, error)
	Warm(ctx context.Context, request string, handle decode.Handle) (*decode.Response, error)
}

// Reply is the result of handling one request.
type Reply struct {
	Text   string      `json:"text"`
	Branch branches.ID `json:"branch"`
	// Decision is DecisionFirst, DecisionContinue or DecisionNew.
	Decision string `json:"decision"`
	// Score and Tier are zero when no previous turn was scored.
	Score  float64          `json:"score"`
	Tier   scaffolding.Tier `json:"tier"`
	Mode   decode.Mode      `json:"mode"`
	Tokens int              `json:"tokens"`
}

// Continued reports whether the reply extended the previous branch.
func (r *Reply) Continued() bool {
	return r.Decision == DecisionContinue
}

// Session routes requests between branches. A session handles one request
// at a time; concurrent calls to Handle are serialized.
type Session struct {
	mu     sync.Mutex
	store  *branches.Store[decode.Handle]
	scorer Scorer
	engine Responder
	logger *zap.Logger
}

// NewSession creates a session with no branches.
func NewSession(scorer Scorer, engine Responder, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		store:  branches.New[decode.Handle](),
		scorer: scorer,
		engine: engine,
		logger: logger,
	}
}

// IsExit reports whether request ends the session.
func IsExit(request string) bool {
	return strings.EqualFold(request, exitCommand)
}

// Handle answers request. It returns ErrSessionEnded for the exit command.
// On error the conversation state is left unchanged.
func (s *Session) Handle(ctx context.Context, request string) (*Reply, error) {
	if IsExit(request) {
		return nil, ErrSessionEnded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, hasCurrent := s.store.Current()
	var last branches.Turn[decode.Handle]
	var hasLast bool
	if hasCurrent {
		last, hasLast = s.store.LastTurn(current)
	}

	reply := &Reply{Decision: DecisionFirst}
	if hasLast {
		res, err := s.scorer.Score(ctx, request, scaffolding.Context{
			Request:  last.Request,
			Response: last.Response,
		})
		if err != nil {
			return nil, fmt.Errorf("scoring request: %w", err)
		}
		RecordDependencyScore(res.Score)

		reply.Score = res.Score
		reply.Tier = res.Tier
		if s.scorer.IsContinuation(res.Score) {
			reply.Decision = DecisionContinue
		} else {
			reply.Decision = DecisionNew
		}
	}

	start := time.Now()
	var resp *decode.Response
	var err error
	if reply.Decision == DecisionContinue {
		s.logger.Info("Continuing branch",
			zap.Stringer("branch", current),
			zap.Float64("score", reply.Score),
			zap.Stringer("tier", reply.Tier))
		resp, err = s.engine.Warm(ctx, request, last.Handle)
	} else {
		s.logger.Info("Starting new branch",
			zap.String("decision", reply.Decision),
			zap.Float64("score", reply.Score))
		resp, err = s.engine.Cold(ctx, request)
	}
	if err != nil {
		mode := decode.ModeCold
		if reply.Decision == DecisionContinue {
			mode = decode.ModeWarm
		}
		RecordDecodeFailure(string(mode), time.Since(start).Seconds())
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	branch := current
	if reply.Decision != DecisionContinue {
		branch = s.store.CreateBranch()
		s.store.SetCurrent(branch)
	}
	s.store.AppendTurn(branch, request, resp.Text, resp.Handle)

	reply.Text = resp.Text
	reply.Branch = branch
	reply.Mode = resp.Mode
	reply.Tokens = resp.Tokens

	tier := "none"
	if reply.Decision != DecisionFirst {
		tier = reply.Tier.String()
	}
	RecordBranchDecision(reply.Decision, tier)
	RecordDecode(string(resp.Mode), resp.Tokens, time.Since(start).Seconds())
	SetBranchCount(s.store.Len())

	return reply, nil
}

// TreeTurn is one turn as shown in the conversation tree.
type TreeTurn struct {
	Request  string `json:"request"`
	Response string `json:"response"`
}

// TreeBranch is one branch as shown in the conversation tree.
type TreeBranch struct {
	ID      branches.ID `json:"id"`
	Name    string      `json:"name"`
	Current bool        `json:"current"`
	Turns   []TreeTurn  `json:"turns"`
}

// Tree returns every branch with its turns in creation order.
func (s *Session) Tree() []TreeBranch {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, hasCurrent := s.store.Current()
	summaries := s.store.Branches()
	out := make([]TreeBranch, 0, len(summaries))
	for _, sum := range summaries {
		b := TreeBranch{
			ID:      sum.ID,
			Name:    sum.ID.String(),
			Current: hasCurrent && sum.ID == current,
			Turns:   make([]TreeTurn, 0, sum.Turns),
		}
		for _, t := range s.store.Turns(sum.ID) {
			b.Turns = append(b.Turns, TreeTurn{Request: t.Request, Response: t.Response})
		}
		out = append(out, b)
	}
	return out
}
