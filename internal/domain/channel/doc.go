/*
Package channel is the only path between the host and a sandbox.

Messages are msgpack-encoded into frames when sent and decoded when
received, so the two sides never share memory. Each direction is FIFO;
nothing is promised about ordering across directions.

	host, sandbox := channel.Pipe(16)
	_ = host.Send(ctx, channel.Load(gen, artifact.Source))
	msg, _ := sandbox.Receive(ctx)
*/
package channel
