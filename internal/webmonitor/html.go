package webmonitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Face Camera</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: system-ui, sans-serif; background: #111; color: #eee; margin: 0; }
        .app { max-width: 1000px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .badge { padding: 4px 10px; border-radius: 12px; font-size: 13px; background: #333; }
        .badge.ok { background: #1f6f3f; }
        .badge.bad { background: #8a2a2a; }
        .badge.busy { background: #6b5a12; }
        #stream { width: 100%; height: auto; display: block; background: #000; }
        .controls { display: flex; gap: 8px; align-items: center; margin: 12px 0; }
        button, a.button { padding: 8px 14px; border: 0; border-radius: 6px; background: #2d6cdf; color: #fff; font-size: 14px; text-decoration: none; }
        button:disabled, a.button.disabled { background: #444; color: #888; pointer-events: none; }
        .message { color: #f3c969; min-height: 1.2em; }
        .stats { display: grid; grid-template-columns: repeat(3, 1fr); gap: 8px; font-size: 13px; }
        .stat { background: #1b1b1b; border-radius: 6px; padding: 8px; }
        .stat span { display: block; color: #999; }
    </style>
</head>
<body>
<div class="app">
    <div class="header">
        <h1>Face Camera</h1>
        <div>
            <span class="badge" id="model-badge">Model: --</span>
            <span class="badge" id="camera-badge">Camera: --</span>
            <span class="badge" id="face-badge">No face</span>
        </div>
    </div>

    <img id="stream" src="/stream" alt="Live overlay stream">

    <div class="controls">
        <button id="btn-start" disabled>Start recording</button>
        <button id="btn-stop" disabled>Stop recording</button>
        <a class="button disabled" id="btn-download" href="#">Download</a>
        <button id="btn-retry" hidden>Retry</button>
        <span id="elapsed">0:00</span>
    </div>
    <div class="message" id="message"></div>

    <div class="stats">
        <div class="stat"><span>Detection</span><b id="detection-state">--</b></div>
        <div class="stat"><span>Display</span><b id="display-size">--</b></div>
        <div class="stat"><span>Video</span><b id="video-size">--</b></div>
    </div>
</div>
<script>
(function () {
    const $ = (id) => document.getElementById(id);

    function badge(el, text, cls) {
        el.textContent = text;
        el.className = 'badge ' + (cls || '');
    }

    function render(st) {
        badge($('model-badge'), 'Model: ' + st.model_state,
            st.model_ready ? 'ok' : (st.model_state === 'LoadFailed' ? 'bad' : 'busy'));
        badge($('camera-badge'), 'Camera: ' + st.camera_state,
            st.camera_ready ? 'ok' : (st.camera_state === 'CameraFailed' ? 'bad' : 'busy'));
        badge($('face-badge'), st.face_detected ? 'Face detected' : 'No face', st.face_detected ? 'ok' : '');

        $('btn-start').disabled = !st.controls.can_start_recording;
        $('btn-stop').disabled = !st.controls.can_stop_recording;
        $('btn-retry').hidden = !st.controls.can_retry;
        const dl = $('btn-download');
        if (st.controls.can_download && st.artifact) {
            dl.href = st.artifact.url;
            dl.setAttribute('download', st.artifact.filename);
            dl.classList.remove('disabled');
        } else {
            dl.href = '#';
            dl.classList.add('disabled');
        }
        $('elapsed').textContent = st.recording ? st.elapsed : '0:00';
        $('message').textContent = st.message || st.camera_error || st.model_error || '';
        $('detection-state').textContent = st.detection_state;
        $('display-size').textContent = st.display.width + 'x' + st.display.height;
        $('video-size').textContent = st.video.width + 'x' + st.video.height;
    }

    async function post(path, body) {
        const res = await fetch(path, {
            method: 'POST',
            headers: {'Content-Type': 'application/json'},
            body: body ? JSON.stringify(body) : undefined,
        });
        const data = await res.json().catch(() => ({}));
        if (!res.ok) {
            $('message').textContent = data.error || res.statusText;
        }
        return data;
    }

    $('btn-start').onclick = () => post('/api/recording/start');
    $('btn-stop').onclick = () => post('/api/recording/stop');
    $('btn-retry').onclick = () => {
        $('btn-retry').disabled = true;
        post('/api/pipeline/start').finally(() => { $('btn-retry').disabled = false; });
    };

    const events = new EventSource('/api/status/stream');
    events.onmessage = (e) => {
        const ev = JSON.parse(e.data);
        if (ev.status) render(ev.status);
    };

    let resizeTimer = null;
    function syncDisplay() {
        const img = $('stream');
        const width = Math.round(img.clientWidth);
        const height = Math.round(img.clientHeight);
        if (width > 0 && height > 0) {
            post('/api/display', {width: width, height: height});
        }
    }
    window.addEventListener('resize', () => {
        clearTimeout(resizeTimer);
        resizeTimer = setTimeout(syncDisplay, 250);
    });
    $('stream').addEventListener('load', syncDisplay, {once: true});
})();
</script>
</body>
</html>
`
