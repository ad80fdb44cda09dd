/*

Package elector provides leader election over a hierarchical, session based coordination store such as ZooKeeper.

Cooperating processes (candidates) agree on exactly one leader at a time without a central arbiter. Each candidate
registers an ephemeral, sequential node under a shared election path; the candidate owning the node with the lowest
sequence number leads. When the leader goes away (its session expires, it disconnects, or it leaves), its node goes
too, and the next candidate in line takes over.

An Elector is started with MakeElector, enters the election with Join, and leaves with Leave. Leadership transitions
are reported through the LeadershipHandler provided by the application. All the work of an Elector, including the
handler callbacks, runs on a single goroutine, fed by a queue onto which every session transition and watch
notification is posted; transitions are therefore never concurrent, and repeated notifications are harmless.

The coordination store is reached through the coord.Client contract. Package coord/zkstore implements it over a
ZooKeeper ensemble, and coord/localstore provides an embeddable store for tests, demos and single host deployments.

*/
package elector
