package progress

import (
	"context"
	"fmt"
)

// ExampleHub_Emit demonstrates subscribing to the stats topic and flushing via Close.
func ExampleHub_Emit() {
	hub := NewHub(Config{BufferSize: 4})

	var frames []Payload
	_, err := hub.Subscribe(TopicFFmpegStats, SubscriberFunc(func(_ context.Context, evt Event) error {
		frames = append(frames, evt.Payload)
		return nil
	}))
	if err != nil {
		panic(err)
	}

	_ = hub.Emit(Event{Topic: TopicFFmpegStats, Payload: Payload{Data: "frame=120"}})
	_ = hub.Emit(Event{Topic: TopicFFmpegStats, Payload: Payload{Data: "frame=500", End: true}})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	for _, p := range frames {
		fmt.Printf("%s end=%v\n", p.Data, p.End)
	}
	// Output:
	// frame=120 end=false
	// frame=500 end=true
}

// ExampleHub_Emit_noSubscribers shows that emission to an empty topic is dropped, not blocked.
func ExampleHub_Emit_noSubscribers() {
	hub := NewHub(Config{})
	defer func() { _ = hub.Close(context.Background()) }()

	err := hub.Emit(Event{Topic: TopicFFmpegStats, Payload: Payload{Data: "frame=1"}})
	fmt.Println(err)
	// Output:
	// no subscribers for topic
}
