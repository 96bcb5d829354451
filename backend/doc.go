/*
Package backend defines the uniform contract every inference backend
presents to the engine, plus the Handle wrapper that gives each backend
lazy loading, cached load failure, in-flight call accounting and optional
call serialization.

A backend is supplied by a Provider: a load routine producing a Model and
the Model's invoke routine. The engine never talks to a Model directly;
all calls go through a Handle, which guarantees that a failure of any kind
(load error, runtime error, panic, timeout, cancellation) is encoded as a
failed types.ModalityResult instead of escaping to the dispatcher.
*/
package backend
