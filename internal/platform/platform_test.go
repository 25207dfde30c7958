// Copyright 2025 Arion Yau
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

package platform_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"hermod/internal/platform"
)

func TestDeliveryErrorRetryable(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{400, false},
		{403, false},
		{404, false},
	}

	for _, tc := range cases {
		err := &platform.DeliveryError{StatusCode: tc.code, Err: errors.New("api error")}
		assert.Equal(t, tc.retryable, err.Retryable(), "status %d", tc.code)
		assert.Equal(t, tc.retryable, platform.IsRetryable(err), "status %d", tc.code)
	}
}

func TestIsRetryableUnwrapsChains(t *testing.T) {
	inner := &platform.DeliveryError{StatusCode: 503, Err: errors.New("down")}
	wrapped := fmt.Errorf("send failed: %w", inner)

	assert.True(t, platform.IsRetryable(wrapped))
	assert.False(t, platform.IsRetryable(errors.New("plain failure")))
}
