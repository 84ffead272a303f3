package http

import (
	"fmt"

	"go.uber.org/zap"
)

// createPipeline selects the handler for the current request, builds the
// transmit and receive queue chains for its location, and opens them.
func (c *Conn) createPipeline() error {
	rx, tx := c.Rx(), c.Tx()
	loc := c.req.loc

	handler, err := c.selectHandler(loc)
	if err != nil {
		return err
	}
	tx.handler = handler

	outputs := []Stage{handler}
	for _, b := range loc.OutputFilters {
		st, ok, err := c.resolveFilter(b, QueueTx)
		if err != nil {
			return err
		}
		if ok {
			outputs = append(outputs, st)
		}
	}
	if c.error && !c.client && handler != c.svc.passHandler {
		// A filter rejected the request while matching
		handler = c.svc.passHandler
		tx.handler = handler
		outputs[0] = handler
	}
	connector, err := c.svc.LookupStage(loc.Connector)
	if err != nil {
		return err
	}
	outputs = append(outputs, connector)

	var inputs []Stage
	if c.client || rx.needsInput() {
		inputs = append(inputs, connector)
		for _, b := range loc.InputFilters {
			st, ok, err := c.resolveFilter(b, QueueRx)
			if err != nil {
				return err
			}
			if ok {
				inputs = append(inputs, st)
			}
		}
		inputs = append(inputs, handler)
	}
	c.buildQueues(outputs, inputs)
	return c.openQueues()
}

// createErrorPipeline builds a pass-through pipeline from the built-in
// stages, used when the configured pipeline cannot be created.
func (c *Conn) createErrorPipeline() {
	c.destroyPipeline()
	tx := c.Tx()
	tx.handler = c.svc.passHandler
	c.buildQueues([]Stage{c.svc.passHandler, c.svc.chunkFilter, c.svc.netConnector}, nil)
	if err := c.openQueues(); err != nil {
		c.log.Error("cannot open error pipeline", zap.Error(err))
	}
}

func (c *Conn) selectHandler(loc *Location) (Stage, error) {
	if c.client {
		return c.svc.passHandler, nil
	}
	rx := c.Rx()
	if c.error {
		return c.svc.passHandler, nil
	}
	methodRejected := false
	for _, b := range loc.Handlers {
		st, err := c.svc.LookupStage(b.Name)
		if err != nil {
			return nil, err
		}
		if !b.matchExtension(rx.Ext) {
			continue
		}
		if !st.Flags().Allows(rx.Method) {
			methodRejected = true
			continue
		}
		if st.Match(c, QueueTx) {
			return st, nil
		}
	}
	if methodRejected {
		c.Error(StatusMethodNotAllowed, "Method %s not supported", rx.Method)
	} else {
		c.Error(StatusNotFound, "No handler for %s", rx.Path)
	}
	return c.svc.passHandler, nil
}

func (c *Conn) resolveFilter(b *StageBinding, dir Direction) (Stage, bool, error) {
	st, err := c.svc.LookupStage(b.Name)
	if err != nil {
		return nil, false, err
	}
	if !b.matchExtension(c.Rx().Ext) {
		return nil, false, nil
	}
	if !st.Flags().Allows(c.Rx().Method) {
		return nil, false, nil
	}
	return st, st.Match(c, dir), nil
}

// buildQueues creates both chains and pairs queues that share a stage
func (c *Conn) buildQueues(outputs, inputs []Stage) {
	tx := c.Tx()
	tx.queue[QueueTx] = newHeadQueue(c, "TxHead", QueueTx)
	prev := tx.queue[QueueTx]
	for _, st := range outputs {
		prev = createQueue(c, st, QueueTx, prev)
	}
	c.writeq = tx.queue[QueueTx].nextQ
	c.connectorq = tx.queue[QueueTx].prevQ

	if len(inputs) == 0 {
		tx.queue[QueueRx] = nil
		c.readq = nil
		return
	}
	tx.queue[QueueRx] = newHeadQueue(c, "RxHead", QueueRx)
	prev = tx.queue[QueueRx]
	for _, st := range inputs {
		prev = createQueue(c, st, QueueRx, prev)
	}
	c.readq = tx.queue[QueueRx].prevQ

	for q := c.writeq; q != nil; q = q.Next() {
		for r := tx.queue[QueueRx].nextQ; !r.IsHead(); r = r.nextQ {
			if r.Stage == q.Stage && r.pair == nil {
				q.pair = r
				r.pair = q
				break
			}
		}
	}
}

// eachQueue visits every stage queue, transmit chain first
func (c *Conn) eachQueue(fn func(q *Queue) error) error {
	for _, head := range c.Tx().queue {
		if head == nil {
			continue
		}
		for q := head.nextQ; q != head; q = q.nextQ {
			if err := fn(q); err != nil {
				return err
			}
		}
	}
	return nil
}

// openQueues opens each stage once; the second queue of a pair is marked
// open without calling the stage again. The queue that called Open is the
// one that calls Close.
func (c *Conn) openQueues() error {
	return c.eachQueue(func(q *Queue) error {
		if q.flags&queueOpen != 0 {
			return nil
		}
		q.flags |= queueOpen
		if q.pair == nil || !q.pair.opener {
			q.opener = true
			if err := q.Stage.Open(q); err != nil {
				return fmt.Errorf("open %s: %w", q.Name, err)
			}
		}
		return nil
	})
}

// startPipeline starts each stage once. The handler is not started when
// the request has already failed.
func (c *Conn) startPipeline() {
	tx := c.Tx()
	c.eachQueue(func(q *Queue) error {
		if q.flags&queueStarted != 0 {
			return nil
		}
		q.flags |= queueStarted
		if q.pair != nil && q.pair.flags&queueStarted != 0 {
			return nil
		}
		if q.Stage == tx.handler && c.error {
			return nil
		}
		q.Stage.Start(q)
		return nil
	})
}

// destroyPipeline closes every open queue, closing paired stages once.
// It may be called repeatedly.
func (c *Conn) destroyPipeline() {
	if c.req == nil {
		return
	}
	tx := c.Tx()
	c.eachQueue(func(q *Queue) error {
		if q.flags&queueOpen == 0 {
			return nil
		}
		q.flags &^= queueOpen
		if q.opener {
			q.opener = false
			q.Stage.Close(q)
		}
		return nil
	})
	c.clearSchedule()
	for _, head := range tx.queue {
		if head == nil {
			continue
		}
		for q := head.nextQ; q != head; q = q.nextQ {
			q.DiscardData(true)
			for p := q.GetPacket(); p != nil; p = q.GetPacket() {
				c.freePacket(p)
			}
		}
	}
	tx.queue = [2]*Queue{}
	c.writeq, c.readq, c.connectorq = nil, nil, nil
}
