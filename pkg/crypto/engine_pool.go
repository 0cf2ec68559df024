package crypto

import (
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
)

// engine bundles the lattigo objects needed for one operation. Encoders and
// evaluators carry internal buffers and are not safe for concurrent use.
type engine struct {
	encoder   *bfv.Encoder
	evaluator *bfv.Evaluator
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
}

// enginePool hands out engines that share key material but own their
// buffers, so several evaluations can run in parallel.
type enginePool struct {
	engines []*engine
	free    chan *engine
}

func newEnginePool(n int, params bfv.Parameters, sk *rlwe.SecretKey, pk *rlwe.PublicKey, evk rlwe.EvaluationKeySet) *enginePool {
	if n < 1 {
		n = 1
	}

	pool := &enginePool{
		engines: make([]*engine, n),
		free:    make(chan *engine, n),
	}
	for i := 0; i < n; i++ {
		e := &engine{
			encoder:   bfv.NewEncoder(params),
			evaluator: bfv.NewEvaluator(params, evk),
			encryptor: rlwe.NewEncryptor(params, pk),
			decryptor: rlwe.NewDecryptor(params, sk),
		}
		pool.engines[i] = e
		pool.free <- e
	}
	return pool
}

// acquire blocks until an engine is free. Callers must release it.
func (p *enginePool) acquire() *engine {
	return <-p.free
}

func (p *enginePool) release(e *engine) {
	p.free <- e
}

func (p *enginePool) size() int {
	return len(p.engines)
}
