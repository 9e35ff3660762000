// Copyright 2025 Tom Barlow
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

package errors

import (
	"errors"
)

// Classify returns the ErrorType of the first ErrorClassifier in err's
// tree, or "internal" if none is found.
func Classify(err error) string {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.ErrorType()
	}
	return "internal"
}
