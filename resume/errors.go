// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package resume

import "errors"

// ErrNoCoordinator is returned by New if coord is nil; a scanner with
// nothing to replay processRemote against can't do anything useful.
var ErrNoCoordinator = errors.New("resume: coordinator is required")
