/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dynheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDispatchesToEachPolicy(t *testing.T) {
	for _, p := range []Policy{Implicit, Explicit, Segregated} {
		p := p
		t.Run(p.String(), func(t *testing.T) {
			h, err := New(p, 1<<16)
			require.NoError(t, err)

			bp, ok := h.Alloc(32)
			require.True(t, ok)
			h.Free(bp)
		})
	}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	_, err := New(Policy(99), 1<<16)
	assert.Error(t, err)
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "implicit", Implicit.String())
	assert.Equal(t, "explicit", Explicit.String())
	assert.Equal(t, "segregated", Segregated.String())
	assert.Contains(t, Policy(99).String(), "99")
}
