// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"time"

	"github.com/nsls2/germ-acquire/pkg/germlog"
)

type ctxKey string

const ctxKeyBegin ctxKey = "begin"

// Hooks satisfies sqlhooks.Hooks and logs query timing at debug level,
// adapted from the teacher's internal/repository/hooks.go.
type Hooks struct{}

func (h *Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	germlog.Debugf("SQL query %s %q", query, args)
	return context.WithValue(ctx, ctxKeyBegin, time.Now()), nil
}

func (h *Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	begin, _ := ctx.Value(ctxKeyBegin).(time.Time)
	germlog.Debugf("Took: %s", time.Since(begin))
	return ctx, nil
}
