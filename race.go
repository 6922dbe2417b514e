// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package hpq

// RaceEnabled is true when the race detector is active.
// Used by tests to skip concurrent stress tests: node links, hazard slots,
// state tags and counters use atomix, whose operations the detector sees as
// plain memory accesses.
const RaceEnabled = true
