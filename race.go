// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package edelay

// RaceEnabled is true when the race detector is active.
// Used by tests to skip producer/consumer tests: the queue cursors and
// scheduler flags are atomix values, which the detector cannot see as
// synchronization.
const RaceEnabled = true
