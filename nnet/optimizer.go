package nnet

import (
	"fmt"

	"github.com/jnb666/resnet/num"
)

// Optimizer updates the parameters from their accumulated gradients.
type Optimizer interface {
	Update(params []Param)
	ZeroGrad(params []Param)
}

// NewOptimizer returns the optimizer selected in the config.
func NewOptimizer(q num.Queue, conf Config) Optimizer {
	switch conf.Optimizer {
	case "sgd":
		return NewSGD(q, conf.Eta, conf.Momentum, conf.Lambda)
	case "adam", "":
		return NewAdam(q, conf.Eta, conf.Lambda)
	default:
		panic(fmt.Sprintf("invalid optimizer %q", conf.Optimizer))
	}
}

// SGD is stochastic gradient descent with momentum and L2 weight decay.
type SGD struct {
	Eta, Momentum, Lambda float32
	queue                 num.Queue
	velocity              map[string]num.Array
}

func NewSGD(q num.Queue, eta, momentum, lambda float64) *SGD {
	return &SGD{
		Eta:      float32(eta),
		Momentum: float32(momentum),
		Lambda:   float32(lambda),
		queue:    q,
		velocity: make(map[string]num.Array),
	}
}

// v <- momentum*v + grad + lambda*w; w <- w - eta*v
func (o *SGD) Update(params []Param) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if o.Lambda != 0 {
			o.queue.Call(num.Axpy(o.Lambda, p.Value, p.Grad))
		}
		if o.Momentum == 0 {
			o.queue.Call(num.Axpy(-o.Eta, p.Grad, p.Value))
			continue
		}
		v, ok := o.velocity[p.Name]
		if !ok {
			v = o.queue.NewArrayLike(p.Value)
			o.queue.Call(num.Fill(v, 0))
			o.velocity[p.Name] = v
		}
		o.queue.Call(
			num.Scale(o.Momentum, v),
			num.Axpy(1, p.Grad, v),
			num.Axpy(-o.Eta, v, p.Value),
		)
	}
}

func (o *SGD) ZeroGrad(params []Param) {
	zeroGrad(o.queue, params)
}

// Adam optimizer with bias corrected moment estimates.
type Adam struct {
	Eta, Beta1, Beta2, Epsilon float64
	Lambda                     float32
	queue                      num.Queue
	step                       int
	m, v                       map[string]num.Array
}

func NewAdam(q num.Queue, eta, lambda float64) *Adam {
	return &Adam{
		Eta:     eta,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		Lambda:  float32(lambda),
		queue:   q,
		m:       make(map[string]num.Array),
		v:       make(map[string]num.Array),
	}
}

func (o *Adam) Update(params []Param) {
	o.step++
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		if o.Lambda != 0 {
			o.queue.Call(num.Axpy(o.Lambda, p.Value, p.Grad))
		}
		m, ok := o.m[p.Name]
		if !ok {
			m = o.queue.NewArrayLike(p.Value)
			o.m[p.Name] = m
			o.v[p.Name] = o.queue.NewArrayLike(p.Value)
			o.queue.Call(num.Fill(m, 0), num.Fill(o.v[p.Name], 0))
		}
		o.queue.Call(num.AdamUpdate(p.Value, p.Grad, m, o.v[p.Name], o.Eta, o.Beta1, o.Beta2, o.Epsilon, o.step))
	}
}

func (o *Adam) ZeroGrad(params []Param) {
	zeroGrad(o.queue, params)
}

func zeroGrad(q num.Queue, params []Param) {
	for _, p := range params {
		if p.Grad != nil {
			q.Call(num.Fill(p.Grad, 0))
		}
	}
}
