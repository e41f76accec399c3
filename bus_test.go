package rolesync

import (
	"testing"
)

func TestBusDispatchesSynchronouslyToCurrentSubscribers(t *testing.T) {
	b := NewBus(nil)
	var got []string
	unsubA := b.On(EventRoleChanged, func(name string, p any) { got = append(got, "a:"+p.(string)) })
	b.On(EventRoleChanged, func(name string, p any) { got = append(got, "b:"+p.(string)) })
	b.On("other", func(string, any) { t.Fatalf("wrong event delivered") })

	if n := b.Emit(EventRoleChanged, "1"); n != 2 {
		t.Fatalf("Emit delivered to %d", n)
	}
	unsubA()
	unsubA() // idempotent
	b.Emit(EventRoleChanged, "2")

	want := []string{"a:1", "b:1", "b:2"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestBusSubscribeDuringEmitWaitsForNextEmit(t *testing.T) {
	b := NewBus(nil)
	late := 0
	b.On("e", func(string, any) {
		b.On("e", func(string, any) { late++ })
	})
	b.Emit("e", nil)
	if late != 0 {
		t.Fatalf("subscriber added during emit received it")
	}
	b.Emit("e", nil)
	if late != 1 {
		t.Fatalf("late = %d", late)
	}
}

func TestBusRecoversPanics(t *testing.T) {
	b := NewBus(nil)
	ran := false
	b.On("e", func(string, any) { panic("boom") })
	b.On("e", func(string, any) { ran = true })
	b.Emit("e", nil)
	if !ran {
		t.Fatalf("handler after a panicking one did not run")
	}
}

func TestBusWildcardAndClose(t *testing.T) {
	b := NewBus(nil)
	var names []string
	b.On(EventAll, func(name string, _ any) { names = append(names, name) })
	b.Emit(EventRoleChanged, nil)
	b.Emit(EventRequestsChanged, nil)
	if len(names) != 2 || names[0] != EventRoleChanged || names[1] != EventRequestsChanged {
		t.Fatalf("wildcard got %v", names)
	}

	b.Close()
	if n := b.Emit(EventRoleChanged, nil); n != 0 {
		t.Fatalf("closed bus delivered %d", n)
	}
	b.On("e", func(string, any) {})()
	if b.Subscribers("e") != 0 {
		t.Fatalf("closed bus accepted a subscriber")
	}
}
