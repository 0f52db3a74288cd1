package cmsketch

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func encode(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(v interface{}, encoding []byte) error {
	return gob.NewDecoder(bytes.NewReader(encoding)).Decode(v)
}

func newRolling(interval time.Duration, num int, opts ...Option) *rollingCounter {
	rs, err := RollingCounter(0, 0, interval, num, opts...)
	So(err, ShouldBeNil)
	return rs.(*rollingCounter)
}

func newRollup(clock func() time.Time, durations ...time.Duration) *rollupCounter {
	rs, err := RollupCounter(0, 0, durations, WithClock(clock))
	So(err, ShouldBeNil)
	return rs.(*rollupCounter)
}

// skewedEvents returns a shuffled stream of IP keys in which the i-th
// distinct key occurs i times, along with the lightest and heaviest key.
func skewedEvents(n int) (events [][]byte, lightest, heaviest []byte) {
	events = make([][]byte, 0, (n*n+n)/2)
	counts := map[string]uint64{}
	for len(events) < cap(events) {
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, rand.Uint32())
		ip := []byte(net.IP(raw).String())
		if _, ok := counts[string(ip)]; ok {
			continue
		}
		counts[string(ip)] = uint64(len(counts))
		if len(counts) == 2 {
			lightest = ip
		}
		heaviest = ip
		for i := uint64(0); i < counts[string(ip)]; i++ {
			events = append(events, ip)
		}
	}
	return events, lightest, heaviest
}

func TestRollingCounterConfig(t *testing.T) {
	Convey("Invalid windows are rejected", t, func() {
		_, err := RollingCounter(0, 0, 0, 3)
		So(err, ShouldEqual, ErrInvalidWindow)
		_, err = RollingCounter(0, 0, time.Minute, 0)
		So(err, ShouldEqual, ErrInvalidWindow)
		_, err = RollingCounter(2, 0, time.Minute, 3)
		So(err, ShouldEqual, ErrInvalidAccuracy)
		_, err = RollingCounter(1-1e-9, 0.99, time.Minute, 3)
		So(err, ShouldEqual, ErrAllocation)
		_, err = RollupCounter(1-1e-9, 0.99, []time.Duration{time.Minute, time.Hour})
		So(err, ShouldEqual, ErrAllocation)
		_, err = RollupCounter(0, 0, []time.Duration{time.Minute})
		So(err, ShouldEqual, ErrInvalidWindow)
		_, err = RollupCounter(0, 0, []time.Duration{time.Hour, time.Minute})
		So(err, ShouldEqual, ErrInvalidWindow)
	})

	Convey("Rollup levels cover the next duration", t, func() {
		rc := newRollup(time.Now, 10*time.Minute, time.Hour, 90*time.Minute)
		So(rc.Levels, ShouldHaveLength, 2)
		So(rc.Levels[0].MaxWindows, ShouldEqual, 6)
		So(rc.Levels[1].MaxWindows, ShouldEqual, 2)
	})
}

func TestRollingCounterDecode(t *testing.T) {
	key := []byte("key")

	Convey("Corrupt window settings are rejected", t, func() {
		for _, st := range []rollingState{
			{Interval: time.Minute, MaxWindows: 0},
			{Interval: 0, MaxWindows: 3},
			{Interval: -time.Minute, MaxWindows: 3},
			{Epsilon: 2, Interval: time.Minute, MaxWindows: 3},
			{Epsilon: 1 - 1e-9, Delta: 0.99, Interval: time.Minute, MaxWindows: 3},
		} {
			data, err := encode(st)
			So(err, ShouldBeNil)

			counter := newRolling(time.Minute, 3)
			err = counter.GobDecode(data)
			So(errors.Is(err, ErrCorruptSnapshot), ShouldBeTrue)

			// the receiver is left as it was and keeps working
			So(counter.MaxWindows, ShouldEqual, 3)
			So(func() { counter.Count(key, 1, time.Minute) }, ShouldNotPanic)
		}
	})

	Convey("More windows than allowed are rejected", t, func() {
		src := newRolling(time.Minute, 3)
		src.Count(key, 1, 0)
		data, err := encode(rollingState{
			Interval:   time.Minute,
			MaxWindows: 1,
			Windows:    append(src.windows, src.windows...),
		})
		So(err, ShouldBeNil)
		So(newRolling(time.Minute, 3).GobDecode(data), ShouldEqual, ErrCorruptSnapshot)
	})
}

func TestRollingCounter(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	key := []byte("key")

	Convey("Query", t, func() {
		counter := newRolling(time.Minute, 3, WithClock(clock))

		So(counter.Query(key, 90*time.Second), ShouldEqual, 0)

		counter.windows = []window{{Counter: counter.newCounter(), Start: now}}

		now = now.Add(30 * time.Second)
		So(counter.Query(key, 15*time.Second), ShouldEqual, 0)
		counter.windows[0].Counter.Count(key, 60)
		So(counter.Query(key, 15*time.Second), ShouldEqual, 2.0)
		now = now.Add(30 * time.Second)
		So(counter.Query(key, 90*time.Second), ShouldEqual, 1.0)

		counter.windows = append(counter.windows, window{Counter: counter.newCounter(), Start: now})
		So(counter.Query(key, 90*time.Second), ShouldEqual, 1.0)
		counter.windows[1].Counter.Count(key, 30)
		So(counter.Query(key, 90*time.Second), ShouldEqual, 1.0)
		now = now.Add(time.Second)
		So(counter.Query(key, 90*time.Second), ShouldEqual, 90.0/61)
		now = now.Add(29 * time.Second)
		So(counter.Query(key, 90*time.Second), ShouldEqual, 1.0)
		now = now.Add(30 * time.Second)
		So(counter.Query(key, 90*time.Second), ShouldEqual, 2.0/3.0)
	})

	Convey("Single key", t, func() {
		counter := newRolling(60*time.Second, 10, WithClock(clock))

		counter.Count(key, 1, 0)
		now = now.Add(time.Second)
		So(counter.Query(key, 60*time.Second), ShouldEqual, 1.0)

		counter.Count(key, 479, 0)
		now = now.Add(59 * time.Second)
		So(counter.Query(key, 60*time.Second), ShouldEqual, 8.0)

		now = now.Add(time.Second)
		counter.Count(key, 240, 0)
		now = now.Add(60 * time.Second)
		So(counter.Query(key, 60*time.Second), ShouldEqual, 4.0)
		So(counter.Query(key, 120*time.Second), ShouldAlmostEqual, (480.0*59.0/61.0+240.0)/120.0)

		now = now.Add(time.Second)
		counter.Count(key, 120, 0)
		now = now.Add(60 * time.Second)
		So(counter.Query(key, 60*time.Second), ShouldEqual, 2.0)
		So(counter.Query(key, 120*time.Second), ShouldAlmostEqual,
			(240.0*59.0/61.0+120.0)/120.0)
		So(counter.Query(key, 180*time.Second), ShouldAlmostEqual,
			(480.0*58.0/61.0+240.0+120.0)/180.0)

		now = now.Add(1 * time.Second)
		So(counter.Count(key, 1, time.Second), ShouldEqual, 0)
		So(counter.Query(key, 60*time.Second), ShouldAlmostEqual, ((59.0/61)*120)/60)
		So(counter.Query(key, 120*time.Second), ShouldAlmostEqual, ((58.0/61)*240+120)/120)
		So(counter.Query(key, 180*time.Second), ShouldAlmostEqual, ((57.0/61)*480+240+120)/180)
		So(counter.Query(key, 300*time.Second), ShouldAlmostEqual, (480.0+240.0+120.0)/183.0)
	})

	Convey("Sparse rate", t, func() {
		counter := newRolling(60*time.Second, 10, WithClock(clock))

		counter.Count(key, 1, 0)
		now = now.Add(598 * time.Second)
		So(counter.Count(key, 1, 600*time.Second), ShouldAlmostEqual, 1.0/598)
		now = now.Add(time.Second)
		So(counter.Query(key, 600*time.Second), ShouldAlmostEqual, 2.0/599)

		now = now.Add(599 * time.Second)
		So(counter.Count(key, 1, 600*time.Second), ShouldAlmostEqual, 1.0/600)
		now = now.Add(time.Second)
		So(counter.Query(key, 600*time.Second), ShouldEqual, 1.0)

		now = now.Add(1200 * time.Second)
		So(counter.Count(key, 1, 600*time.Second), ShouldAlmostEqual, 0)
	})

	Convey("Intermittent rate", t, func() {
		counter := newRolling(60*time.Second, 10, WithClock(clock))

		for i := 0; i < 10; i++ {
			counter.Count(key, 1, 0)
			now = now.Add(60 * time.Second)
		}

		now = now.Add(420 * time.Second)
		counter.Count(key, 1, 0)
		now = now.Add(60 * time.Second)
		So(counter.Query(key, 600*time.Second), ShouldAlmostEqual, 3./600)
		now = now.Add(359 * time.Second)
		So(counter.Query(key, 600*time.Second), ShouldAlmostEqual, 1./419.0)
	})

	Convey("Old windows are evicted", t, func() {
		counter := newRolling(time.Minute, 3, WithClock(clock))
		for i := 0; i < 5; i++ {
			counter.Count(key, 1, 0)
			now = now.Add(time.Minute)
		}
		So(counter.windows, ShouldHaveLength, 3)
		So(counter.Query(key, time.Hour), ShouldAlmostEqual, 3.0/180)
	})

	Convey("Gob encoding/decoding should result in the same rates", t, func() {
		events, firstIP, lastIP := skewedEvents(500)

		hasher := Hasher{Kind: SipHash24, K0: 3, K1: 4}
		counter := newRolling(300*time.Second, 12, WithClock(clock), WithHasher(hasher))

		// simulate events
		// mean rate should be n events per hour
		mean := float64(len(events)) / (float64(counter.MaxWindows) * float64(counter.Interval))
		for _, i := range rand.Perm(len(events)) {
			now = now.Add(time.Duration(rand.ExpFloat64() / mean))
			counter.Count(events[i], 1, 0)
		}

		heaviestRate30s := counter.Query(lastIP, 30*time.Second)
		heaviestRate10m := counter.Query(lastIP, 10*time.Minute)
		Printf("30s rate of busiest IP: %f\n", heaviestRate30s)
		Printf("10m rate of busiest IP: %f\n", heaviestRate10m)

		lightestRate30s := counter.Query(firstIP, 30*time.Second)
		lightestRate10m := counter.Query(firstIP, 10*time.Minute)

		encoding, err := encode(counter)
		So(err, ShouldBeNil)
		Printf("encoding is %d bytes\n", len(encoding))

		clone := newRolling(time.Second, 1, WithClock(clock))
		So(decode(clone, encoding), ShouldBeNil)
		So(clone.Interval, ShouldEqual, 300*time.Second)
		So(clone.MaxWindows, ShouldEqual, 12)
		So(clone.opts.hasher, ShouldResemble, hasher)

		So(clone.Query(lastIP, 30*time.Second), ShouldEqual, heaviestRate30s)
		So(clone.Query(lastIP, 10*time.Minute), ShouldEqual, heaviestRate10m)
		So(clone.Query(firstIP, 30*time.Second), ShouldEqual, lightestRate30s)
		So(clone.Query(firstIP, 10*time.Minute), ShouldEqual, lightestRate10m)
	})

	Convey("Going back in time", t, func() {
		counter := newRolling(60*time.Second, 10, WithClock(clock))
		for i := 0; i < 10; i++ {
			now = now.Add(time.Minute)
			counter.Count(key, i+1, 0)
		}
		n, d := counter.span(key, now.Add(-4*time.Minute), 90*time.Second, 0)
		So(n, ShouldEqual, 7)
		So(d, ShouldEqual, 90*time.Second)
	})
}

func TestRollupCounter(t *testing.T) {
	key := []byte("key")
	now := time.Now()
	clock := func() time.Time { return now }

	Convey("Rolling up", t, func() {
		rollup := newRollup(clock, 10*time.Minute, time.Hour, 6*time.Hour, 24*time.Hour)
		So(rollup.Count(key, 1, time.Second), ShouldEqual, 0)
		now = now.Add(time.Second)
		So(rollup.Count(key, 1, time.Second), ShouldEqual, 2)

		now = now.Add(10 * time.Minute)
		So(rollup.Count(key, 1, time.Minute), ShouldAlmostEqual, (2*59./601)/60)
		now = now.Add(time.Second)
		So(rollup.Query(key, time.Minute), ShouldAlmostEqual, (2*58./601+1)/60)

		now = now.Add(time.Hour)
		So(rollup.Query(key, time.Minute), ShouldAlmostEqual, 3.0/4202)

		now = now.Add(5 * time.Minute)
		So(rollup.Count(key, 1, time.Hour), ShouldAlmostEqual, (3*(7200.0-4502.0)/4502)/3600)
	})

	Convey("Gob encoding/decoding should result in the same rates", t, func() {
		events, firstIP, lastIP := skewedEvents(500)

		counter := newRollup(clock, 15*time.Minute, time.Hour, 4*time.Hour, 24*time.Hour)

		// simulate events
		// mean rate should be n events per day
		mean := float64(len(events)) / float64(24*time.Hour)
		for _, i := range rand.Perm(len(events)) {
			now = now.Add(time.Duration(rand.ExpFloat64() / mean))
			counter.Count(events[i], 1, 0)
		}

		heaviestRate30s := counter.Query(lastIP, 30*time.Second)
		heaviestRate10m := counter.Query(lastIP, 10*time.Minute)
		lightestRate30s := counter.Query(firstIP, 30*time.Second)
		lightestRate10m := counter.Query(firstIP, 10*time.Minute)
		Printf("10m rate of busiest IP: %f\n", heaviestRate10m)
		Printf("10m rate of lightest IP: %f\n", lightestRate10m)

		encoding, err := encode(counter)
		So(err, ShouldBeNil)
		Printf("encoding is %d bytes\n", len(encoding))

		clone := &rollupCounter{clock: clock}
		So(decode(clone, encoding), ShouldBeNil)
		So(clone.Levels, ShouldHaveLength, 3)

		So(clone.Query(lastIP, 30*time.Second), ShouldEqual, heaviestRate30s)
		So(clone.Query(lastIP, 10*time.Minute), ShouldEqual, heaviestRate10m)
		So(clone.Query(firstIP, 30*time.Second), ShouldEqual, lightestRate30s)
		So(clone.Query(firstIP, 10*time.Minute), ShouldEqual, lightestRate10m)
	})
}
