package events

import (
	"bytes"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// Spool 投递失败的事件落到本地 pebble，key = spool/<sink>/<seq>，按 seq 顺序重投
type Spool struct {
	db  *pebble.DB
	seq atomic.Uint64
}

func OpenSpool(dir string) (*Spool, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &Spool{db: db}
	last, err := s.lastSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.seq.Store(last)
	return s, nil
}

func (s *Spool) Close() error { return s.db.Close() }

func (s *Spool) Put(sink string, ev Envelope) error {
	b, err := ev.Encode()
	if err != nil {
		return err
	}
	return s.db.Set(spoolKey(sink, s.seq.Add(1)), b, pebble.Sync)
}

// Replay 按写入顺序交给 fn，成功的删掉；fn 第一次失败就停，保持顺序
func (s *Spool) Replay(sink string, limit int, fn func(Envelope) error) (int, error) {
	lower, upper := sinkBounds(sink)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && n >= limit {
			break
		}
		ev, err := Decode(iter.Value())
		if err != nil {
			// 坏记录留着没意义，删掉继续
			_ = s.db.Delete(bytes.Clone(iter.Key()), pebble.Sync)
			continue
		}
		if err := fn(ev); err != nil {
			return n, err
		}
		if err := s.db.Delete(bytes.Clone(iter.Key()), pebble.Sync); err != nil {
			return n, err
		}
		n++
	}
	return n, iter.Error()
}

func (s *Spool) Len(sink string) (int, error) {
	lower, upper := sinkBounds(sink)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (s *Spool) lastSeq() (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("spool/"),
		UpperBound: []byte("spool0"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var max uint64
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		i := bytes.LastIndexByte(k, '/')
		seq, err := strconv.ParseUint(string(k[i+1:]), 10, 64)
		if err == nil && seq > max {
			max = seq
		}
	}
	return max, iter.Error()
}

func spoolKey(sink string, seq uint64) []byte {
	return []byte(fmt.Sprintf("spool/%s/%020d", sink, seq))
}

func sinkBounds(sink string) ([]byte, []byte) {
	p := "spool/" + sink + "/"
	return []byte(p), []byte("spool/" + sink + "0") // '0' 紧跟在 '/' 后面
}
