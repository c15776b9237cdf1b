// Copyright 2024 PingCAP, Inc.
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

package joinfield_test

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb-hashjoin/pkg/executor/join/joinfield"
)

// fakeEvaluator stubs child expressions with a map from condition name to
// either a fixed byte value or a NULL marker.
type fakeEvaluator struct {
	values map[string][]byte
	nulls  map[string]bool
	failOn string
}

func (f *fakeEvaluator) EvaluateBuildJoinKey(cond joinfield.Condition, dst []byte) ([]byte, bool, error) {
	return f.evaluate(cond, dst)
}

func (f *fakeEvaluator) EvaluateProbeJoinKey(cond joinfield.Condition, dst []byte) ([]byte, bool, error) {
	return f.evaluate(cond, dst)
}

func (f *fakeEvaluator) evaluate(cond joinfield.Condition, dst []byte) ([]byte, bool, error) {
	if cond.Name == f.failOn {
		return nil, false, errors.New("joinfield: forced evaluation failure")
	}
	if f.nulls[cond.Name] {
		return dst, true, nil
	}
	return append(dst, f.values[cond.Name]...), false, nil
}

func (f *fakeEvaluator) EvaluatePredicate() (bool, error) {
	return true, nil
}

func TestBuildKeyConcatenatesInOrder(t *testing.T) {
	e := &fakeEvaluator{values: map[string][]byte{
		"a": {1, 2},
		"b": {3},
	}}
	conds := []joinfield.Condition{{Name: "a"}, {Name: "b"}}

	out, isNull, err := joinfield.BuildKey(e.EvaluateBuildJoinKey, conds, nil)
	require.NoError(t, err)
	require.False(t, isNull)
	require.Equal(t, []byte{1, 2, 3}, out)
}

func TestBuildKeyShortCircuitsOnNull(t *testing.T) {
	e := &fakeEvaluator{
		values: map[string][]byte{"a": {1}, "b": {9, 9, 9}},
		nulls:  map[string]bool{"a": true},
	}
	conds := []joinfield.Condition{{Name: "a"}, {Name: "b"}}

	_, isNull, err := joinfield.BuildKey(e.EvaluateBuildJoinKey, conds, nil)
	require.NoError(t, err)
	require.True(t, isNull)
}

func TestBuildKeyPropagatesError(t *testing.T) {
	e := &fakeEvaluator{failOn: "b", values: map[string][]byte{"a": {1}}}
	conds := []joinfield.Condition{{Name: "a"}, {Name: "b"}}

	_, _, err := joinfield.BuildKey(e.EvaluateBuildJoinKey, conds, nil)
	require.Error(t, err)
}
