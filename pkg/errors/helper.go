// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"

	"github.com/pingcap/errors"
)

// WrapError wraps err into the normalized rfcError unless err is nil.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// IsRecoverable reports whether err is a per-record redo anomaly that is
// contained at the parser level: the affected value is replaced and
// processing continues.
func IsRecoverable(err error) bool {
	return ErrRedoBadNumeric.Equal(err) ||
		ErrRedoBadLob.Equal(err) ||
		ErrRedoUnknownChar.Equal(err) ||
		ErrRedoLobSizeMismatch.Equal(err)
}

// IsContextCanceled reports whether err traces back to context cancellation,
// so shutdown paths don't get reported as failures.
func IsContextCanceled(err error) bool {
	return errors.Cause(err) == context.Canceled ||
		errors.Cause(err) == context.DeadlineExceeded
}
