// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package pool

// Pools bundles the three disjoint worker pools the coordinator needs.
type Pools struct {
	Async  *Pool
	Reader *Pool
	Writer *Pool
}

// NewPools sizes each pool independently, per sm.num_{async,reader,writer}_threads.
func NewPools(numAsync, numReader, numWriter int) *Pools {
	return &Pools{
		Async:  New(numAsync),
		Reader: New(numReader),
		Writer: New(numWriter),
	}
}

// Join waits for all three pools to drain.
func (p *Pools) Join() {
	p.Async.Join()
	p.Reader.Join()
	p.Writer.Join()
}
