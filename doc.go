// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package devices is a container for the casaIT module family drivers and the
// polling core that serves them over a TCP-attached SMBus bridge.
package devices
