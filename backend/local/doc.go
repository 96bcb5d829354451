/*
Package local provides lightweight, dependency-free reference backends for
every built-in capability. They stand in for the heavyweight inference
models in development setups and tests: deterministic, CPU-only, loadable
in microseconds, but shaped exactly like production backends (lazy load,
feature vectors, score maps, confidence).

Nothing here pretends to be accurate. The text embedder hashes a
bag-of-words into a fixed-dimension vector, the sentiment analyzer is a
tiny lexicon, the image capabilities work over raw byte statistics, and
the audio/video capabilities estimate from payload size.
*/
package local
